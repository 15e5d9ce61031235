package tool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// Snowflake runs SQL against a Snowflake warehouse. The account and
// login come from a snowflake credential; warehouse, database, schema
// and role may be overridden per task.
type Snowflake struct{}

// NewSnowflake builds the snowflake tool
func NewSnowflake() *Snowflake { return &Snowflake{} }

func (s *Snowflake) Kind() string { return "snowflake" }

func (s *Snowflake) Run(ctx context.Context, in Input) types.Outcome {
	commands := argStrings(in.Args, "command", "commands")
	if len(commands) == 0 {
		return Fail(errdef.KindValidation, "", "snowflake task requires command or commands")
	}

	dsn, err := snowflakeDSN(in)
	if err != nil {
		return FromError(err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTool, err, "snowflake open: %v", err))
	}
	defer db.Close()

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	var results []map[string]any
	for _, command := range commands {
		result, err := runSQLCommand(ctx, db, command)
		if err != nil {
			return snowflakeOutcome(err)
		}
		results = append(results, result)
	}

	if len(results) == 1 {
		return OK(results[0])
	}
	return OK(map[string]any{"results": results, "count": len(results)})
}

// snowflakeOutcome surfaces the Snowflake error number as the outcome
// code when the server reported one.
func snowflakeOutcome(err error) types.Outcome {
	var sfErr *sf.SnowflakeError
	if errors.As(err, &sfErr) {
		return Fail(errdef.KindTool, fmt.Sprintf("%d", sfErr.Number), "snowflake: %s", sfErr.Message)
	}
	return Fail(errdef.KindTransient, "", "snowflake: %v", err)
}

// snowflakeDSN assembles the connection string from credential fields
// (account, user, password, warehouse, database, schema, role) with
// per-task overrides for everything but the login.
func snowflakeDSN(in Input) (string, error) {
	cred, err := soleCredential(in, argString(in.Args, "auth"))
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", errdef.Resolution("snowflake task needs auth")
	}
	if cred.Type != types.CredentialSnowflake {
		return "", errdef.Validation("credential type %q cannot open a snowflake connection", cred.Type)
	}

	pick := func(key string) string {
		if v := argString(in.Args, key); v != "" {
			return v
		}
		return cred.Data[key]
	}

	cfg := sf.Config{
		Account:   cred.Data["account"],
		User:      firstOf(cred.Data, "user", "username"),
		Password:  cred.Data["password"],
		Warehouse: pick("warehouse"),
		Database:  pick("database"),
		Schema:    pick("schema"),
		Role:      pick("role"),
	}
	if cfg.Account == "" {
		return "", errdef.Resolution("snowflake credential has no account")
	}
	dsn, err := sf.DSN(&cfg)
	if err != nil {
		return "", errdef.Wrap(errdef.KindValidation, err, "snowflake dsn: %v", err)
	}
	return dsn, nil
}
