// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gridcast/lib/sqlitepool"
)

const numbersSchema = `CREATE TABLE IF NOT EXISTS numbers (value INTEGER NOT NULL);`

func TestPragmas(t *testing.T) {
	pool := openTestPool(t, "")
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	pragmas := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"temp_store", "2"},
	}
	for _, pragma := range pragmas {
		var got string
		err := sqlitex.Execute(conn, "PRAGMA "+pragma.name, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				got = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("PRAGMA %s: %v", pragma.name, err)
		}
		if got != pragma.want {
			t.Errorf("%s = %q, want %q", pragma.name, got, pragma.want)
		}
	}
}

func TestSchemaOnEveryConnection(t *testing.T) {
	pool := openTestPool(t, numbersSchema)
	ctx := context.Background()

	// Hold every connection at once so each one is prepared.
	var conns []*sqlite.Conn
	for range 4 {
		conn, err := pool.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		conns = append(conns, conn)
	}
	for i, conn := range conns {
		err := sqlitex.Execute(conn, "INSERT INTO numbers (value) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{i},
		})
		if err != nil {
			t.Errorf("INSERT on connection %d: %v", i, err)
		}
		pool.Put(conn)
	}
}

func TestConcurrentReads(t *testing.T) {
	pool := openTestPool(t, numbersSchema)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take for setup: %v", err)
	}
	err = sqlitex.ExecuteScript(conn, `INSERT INTO numbers (value) VALUES (1), (2), (3), (4), (5);`, nil)
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	pool.Put(conn)

	const readers = 8
	var waitGroup sync.WaitGroup
	failures := make(chan error, readers)
	for range readers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			conn, err := pool.Take(context.Background())
			if err != nil {
				failures <- err
				return
			}
			defer pool.Put(conn)

			var sum int64
			err = sqlitex.Execute(conn, "SELECT value FROM numbers", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sum += stmt.ColumnInt64(0)
					return nil
				},
			})
			if err != nil {
				failures <- err
				return
			}
			if sum != 15 {
				failures <- fmt.Errorf("sum = %d, want 15", sum)
			}
		}()
	}
	waitGroup.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestBadSchema(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "bad.db"),
		Schema: "CREATE TABLE (",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()
	if conn, err := pool.Take(context.Background()); err == nil {
		pool.Put(conn)
		t.Fatal("Take succeeded with an invalid schema")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	// The only connection is held, so a cancelled Take fails.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func openTestPool(t *testing.T, schema string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 4,
		Schema:   schema,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
