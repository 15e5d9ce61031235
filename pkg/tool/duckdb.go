package tool

import (
	"context"
	"database/sql"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// DuckDB runs SQL against an embedded DuckDB database. With no db
// argument it uses an in-memory instance, which makes it the local
// analytics scratchpad between steps.
type DuckDB struct{}

// NewDuckDB builds the duckdb tool
func NewDuckDB() *DuckDB { return &DuckDB{} }

func (d *DuckDB) Kind() string { return "duckdb" }

func (d *DuckDB) Run(ctx context.Context, in Input) types.Outcome {
	commands := argStrings(in.Args, "command", "commands")
	if len(commands) == 0 {
		return Fail(errdef.KindValidation, "", "duckdb task requires command or commands")
	}

	path := argString(in.Args, "db")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTool, err, "duckdb open: %v", err))
	}
	defer db.Close()

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	var results []map[string]any
	for _, command := range commands {
		result, err := runSQLCommand(ctx, db, command)
		if err != nil {
			return Fail(errdef.KindTool, "", "duckdb: %v", err)
		}
		results = append(results, result)
	}

	if len(results) == 1 {
		return OK(results[0])
	}
	return OK(map[string]any{"results": results, "count": len(results)})
}
