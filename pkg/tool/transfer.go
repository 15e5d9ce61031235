package tool

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

const transferBatchSize = 1000

// Transfer bulk-copies rows between two Postgres databases: a query on
// the source side streamed into COPY on the target side, in batches.
// The step's auth must carry a "source" and a "target" alias.
type Transfer struct{}

// NewTransfer builds the transfer tool
func NewTransfer() *Transfer { return &Transfer{} }

func (t *Transfer) Kind() string { return "transfer" }

func (t *Transfer) Run(ctx context.Context, in Input) types.Outcome {
	query := argString(in.Args, "query")
	if query == "" {
		return Fail(errdef.KindValidation, "", "transfer task requires query")
	}
	table := argString(in.Args, "table")
	if table == "" {
		return Fail(errdef.KindValidation, "", "transfer task requires table")
	}
	batchSize := argInt(in.Args, "batch", transferBatchSize)
	if batchSize < 1 {
		batchSize = transferBatchSize
	}

	sourceDSN, err := transferDSN(in, "source", "source_auth")
	if err != nil {
		return FromError(err)
	}
	targetDSN, err := transferDSN(in, "target", "target_auth")
	if err != nil {
		return FromError(err)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	source, err := pgx.Connect(ctx, sourceDSN)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTransient, err, "transfer source connect: %v", err))
	}
	defer source.Close(context.Background())

	target, err := pgx.Connect(ctx, targetDSN)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTransient, err, "transfer target connect: %v", err))
	}
	defer target.Close(context.Background())

	rows, err := source.Query(ctx, query)
	if err != nil {
		return pgOutcome(err)
	}
	defer rows.Close()

	columns := argColumns(in.Args)
	if len(columns) == 0 {
		for _, f := range rows.FieldDescriptions() {
			columns = append(columns, f.Name)
		}
	}
	ident := pgx.Identifier(strings.Split(table, "."))

	var copied int64
	var batches int
	batch := make([][]any, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := target.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(batch))
		if err != nil {
			return err
		}
		copied += n
		batches++
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return pgOutcome(err)
		}
		row := make([]any, len(values))
		copy(row, values)
		batch = append(batch, row)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return pgOutcome(err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return pgOutcome(err)
	}
	if err := flush(); err != nil {
		return pgOutcome(err)
	}

	return OK(map[string]any{
		"rows_copied": copied,
		"batches":     batches,
		"table":       table,
	})
}

// transferDSN resolves one side of the copy: an inline dsn under the
// side's arg map wins, then the side's auth alias.
func transferDSN(in Input, side, aliasKey string) (string, error) {
	if m := argMap(in.Args, side); m != nil {
		if dsn := argString(m, "dsn"); dsn != "" {
			return dsn, nil
		}
	}
	alias := argString(in.Args, aliasKey)
	if alias == "" {
		alias = side
	}
	cred, ok := in.Auth[alias]
	if !ok || cred == nil {
		return "", errdef.Resolution("transfer needs a %q auth alias", alias)
	}
	return credentialDSN(cred)
}

func argColumns(args map[string]any) []string {
	var out []string
	for _, v := range argSlice(args, "columns") {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
