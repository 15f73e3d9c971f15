// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package savepoint runs a function inside a named SQLite savepoint, rolling
// back just that savepoint (not the whole enclosing transaction) on failure.
package savepoint

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Run runs f inside a SQLite savepoint named name, nested inside whatever
// transaction conn currently has open. If f returns an error, only this
// savepoint is rolled back; the enclosing transaction is left for the
// caller to commit or abort.
//
// See https://sqlite.org/lang_savepoint.html for more details.
func Run(conn *sqlite.Conn, name string, f func() error) error {
	if err := sqlitex.ExecuteTransient(conn, `SAVEPOINT "`+name+`";`, nil); err != nil {
		return err
	}
	ferr := f()
	if ferr != nil {
		defer conn.SetInterrupt(conn.SetInterrupt(nil))
		sqlitex.ExecuteTransient(conn, `ROLLBACK TO SAVEPOINT "`+name+`";`, nil)
		return ferr
	}
	if err := sqlitex.ExecuteTransient(conn, `RELEASE SAVEPOINT "`+name+`";`, nil); err != nil {
		defer conn.SetInterrupt(conn.SetInterrupt(nil))
		sqlitex.ExecuteTransient(conn, `ROLLBACK TO SAVEPOINT "`+name+`";`, nil)
		return err
	}
	return nil
}

// ReadOnly runs f inside a SQLite savepoint that is always rolled back
// afterward, regardless of whether f succeeded, useful for speculative
// queries that must not leave any trace even of successfully-applied
// pragmas or temp-table side effects.
//
// See https://sqlite.org/lang_savepoint.html for more details.
func ReadOnly(conn *sqlite.Conn, name string, f func() error) error {
	if err := sqlitex.ExecuteTransient(conn, `SAVEPOINT "`+name+`";`, nil); err != nil {
		return err
	}
	ferr := f()
	defer conn.SetInterrupt(conn.SetInterrupt(nil))
	sqlitex.ExecuteTransient(conn, `ROLLBACK TO SAVEPOINT "`+name+`";`, nil)
	return ferr
}
