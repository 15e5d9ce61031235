package tool

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// Postgres runs SQL against a PostgreSQL database resolved from the
// step's auth. Each command returns its rows as a list of maps; the
// SQLSTATE of a failing statement becomes the outcome code so
// retry_when can route on it.
type Postgres struct{}

// NewPostgres builds the postgres tool
func NewPostgres() *Postgres { return &Postgres{} }

func (p *Postgres) Kind() string { return "postgres" }

func (p *Postgres) Run(ctx context.Context, in Input) types.Outcome {
	commands := argStrings(in.Args, "command", "commands")
	if len(commands) == 0 {
		return Fail(errdef.KindValidation, "", "postgres task requires command or commands")
	}

	dsn, err := postgresDSN(in, argString(in.Args, "auth"), argString(in.Args, "dsn"))
	if err != nil {
		return FromError(err)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTransient, err, "postgres connect: %v", err))
	}
	defer conn.Close(context.Background())

	var results []map[string]any
	for _, command := range commands {
		result, err := runPgxCommand(ctx, conn, command)
		if err != nil {
			return pgOutcome(err)
		}
		results = append(results, result)
	}

	if len(results) == 1 {
		return OK(results[0])
	}
	return OK(map[string]any{"results": results, "count": len(results)})
}

// runPgxCommand executes one statement and collects its rows. pgx
// Query handles statements without result sets too; those report only
// the affected row count.
func runPgxCommand(ctx context.Context, conn *pgx.Conn, command string) (map[string]any, error) {
	rows, err := conn.Query(ctx, command)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := map[string]any{"row_count": len(out)}
	if len(columns) > 0 {
		result["rows"] = out
	} else {
		result["row_count"] = int(rows.CommandTag().RowsAffected())
		result["command"] = rows.CommandTag().String()
	}
	return result, nil
}

// pgOutcome classifies a pgx error, surfacing the SQLSTATE when the
// server reported one.
func pgOutcome(err error) types.Outcome {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Fail(errdef.KindTool, pgErr.Code, "postgres: %s", pgErr.Message)
	}
	return FromError(errdef.Wrap(errdef.KindTransient, err, "postgres: %v", err))
}

// postgresDSN resolves the connection string: an explicit dsn argument
// wins, then a postgres credential from the step's auth.
func postgresDSN(in Input, alias, dsn string) (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	cred, err := soleCredential(in, alias)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", errdef.Resolution("postgres task needs auth or dsn")
	}
	return credentialDSN(cred)
}

// credentialDSN builds a postgres URL from credential fields
// (db_host, db_port, db_name, db_user, db_password, sslmode).
// A dsn field short-circuits the assembly.
func credentialDSN(cred *types.Credential) (string, error) {
	if cred.Type != types.CredentialPostgres {
		return "", errdef.Validation("credential type %q cannot open a postgres connection", cred.Type)
	}
	if dsn := cred.Data["dsn"]; dsn != "" {
		return dsn, nil
	}
	host := firstOf(cred.Data, "db_host", "host")
	if host == "" {
		return "", errdef.Resolution("postgres credential has no db_host")
	}
	port := firstOf(cred.Data, "db_port", "port")
	if port == "" {
		port = "5432"
	}
	name := firstOf(cred.Data, "db_name", "dbname")
	user := firstOf(cred.Data, "db_user", "user")
	password := firstOf(cred.Data, "db_password", "password")

	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + name,
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	q := u.Query()
	if sslmode := cred.Data["sslmode"]; sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
