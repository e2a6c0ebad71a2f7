package graphql

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	gql "github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
)

//go:embed schema.graphqls
var schemaSource string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSource})

// executableSchema resolves operations against the Resolver. Requests reach
// it already parsed and validated against parsedSchema by the gqlgen executor.
type executableSchema struct {
	resolver *Resolver
}

// NewExecutableSchema returns the schema served by NewHandler.
func NewExecutableSchema(resolver *Resolver) gql.ExecutableSchema {
	return &executableSchema{resolver: resolver}
}

func (e *executableSchema) Schema() *ast.Schema {
	return parsedSchema
}

func (e *executableSchema) Complexity(ctx context.Context, typeName, fieldName string, childComplexity int, args map[string]any) (int, bool) {
	return 0, false
}

type rootResolver func(ctx context.Context, opCtx *gql.OperationContext, field gql.CollectedField) (gql.Marshaler, error)

func (e *executableSchema) Exec(ctx context.Context) gql.ResponseHandler {
	opCtx := gql.GetOperationContext(ctx)

	var (
		typeName string
		resolve  rootResolver
	)
	switch opCtx.Operation.Operation {
	case ast.Query:
		typeName, resolve = "Query", e.query
	case ast.Mutation:
		typeName, resolve = "Mutation", e.mutation
	default:
		return gql.OneShot(gql.ErrorResponse(ctx, "unsupported GraphQL operation"))
	}

	first := true
	return func(ctx context.Context) *gql.Response {
		if !first {
			return nil
		}
		first = false
		return execute(ctx, opCtx, typeName, resolve)
	}
}

func execute(ctx context.Context, opCtx *gql.OperationContext, typeName string, resolve rootResolver) *gql.Response {
	fields := gql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{typeName})
	out := gql.NewFieldSet(fields)

	var errs gqlerror.List
	for i, field := range fields {
		path := ast.Path{ast.PathName(field.Alias)}
		switch field.Name {
		case "__typename":
			out.Values[i] = gql.MarshalString(typeName)
			continue
		case "__schema", "__type":
			out.Values[i] = gql.Null
			errs = append(errs, gqlerror.ErrorPathf(path, "introspection is not enabled"))
			continue
		}

		value, err := resolve(ctx, opCtx, field)
		if err != nil {
			out.Values[i] = gql.Null
			errs = append(errs, gqlerror.ErrorPathf(path, "%s", err.Error()))
			continue
		}
		out.Values[i] = value
	}

	var buf bytes.Buffer
	out.MarshalGQL(&buf)
	return &gql.Response{Data: buf.Bytes(), Errors: errs}
}

func (e *executableSchema) query(ctx context.Context, opCtx *gql.OperationContext, field gql.CollectedField) (gql.Marshaler, error) {
	args := field.ArgumentMap(opCtx.Variables)

	switch field.Name {
	case "errors":
		filter, err := errorFilterArg(args)
		if err != nil {
			return nil, err
		}
		records, err := e.resolver.Errors(ctx, filter)
		if err != nil {
			return nil, err
		}
		return marshalErrorRecords(opCtx, field.Selections, records), nil

	case "deadLetters":
		limit, err := intArg(args, "limit")
		if err != nil {
			return nil, err
		}
		sourceTable, _ := args["sourceTable"].(string)
		records, err := e.resolver.DeadLetters(ctx, sourceTable, limit)
		if err != nil {
			return nil, err
		}
		return marshalErrorRecords(opCtx, field.Selections, records), nil

	case "runs":
		limit, err := intArg(args, "limit")
		if err != nil {
			return nil, err
		}
		runs, err := e.resolver.Runs(ctx, limit)
		if err != nil {
			return nil, err
		}
		list := make(gql.Array, len(runs))
		for i, run := range runs {
			list[i] = object(opCtx, field.Selections, "Run", runFields(run))
		}
		return list, nil

	case "dimensionHistory":
		dimension, _ := args["dimension"].(string)
		naturalKey, _ := args["naturalKey"].(string)
		versions, err := e.resolver.DimensionHistory(ctx, dimension, naturalKey)
		if err != nil {
			return nil, err
		}
		list := make(gql.Array, len(versions))
		for i, version := range versions {
			list[i] = object(opCtx, field.Selections, "DimensionVersion", dimensionVersionFields(version))
		}
		return list, nil
	}
	return nil, fmt.Errorf("unknown field Query.%s", field.Name)
}

func (e *executableSchema) mutation(ctx context.Context, opCtx *gql.OperationContext, field gql.CollectedField) (gql.Marshaler, error) {
	args := field.ArgumentMap(opCtx.Variables)

	switch field.Name {
	case "reprocess":
		var limit *int
		if raw, ok := args["limit"]; ok && raw != nil {
			n, err := intArg(args, "limit")
			if err != nil {
				return nil, err
			}
			limit = &n
		}
		summary, err := e.resolver.Reprocess(ctx, limit)
		if err != nil {
			return nil, err
		}
		return object(opCtx, field.Selections, "ReprocessResult", reprocessFields(summary)), nil
	}
	return nil, fmt.Errorf("unknown field Mutation.%s", field.Name)
}

// fieldValue returns the marshaled value of a named field of one object.
type fieldValue func(name string) gql.Marshaler

// object projects the selection set onto one value, in selection order and
// under each field's alias.
func object(opCtx *gql.OperationContext, selections ast.SelectionSet, typeName string, value fieldValue) gql.Marshaler {
	fields := gql.CollectFields(opCtx, selections, []string{typeName})
	out := gql.NewFieldSet(fields)
	for i, field := range fields {
		if field.Name == "__typename" {
			out.Values[i] = gql.MarshalString(typeName)
			continue
		}
		marshaled := value(field.Name)
		if marshaled == nil {
			marshaled = gql.Null
		}
		out.Values[i] = marshaled
	}
	return out
}

func marshalErrorRecords(opCtx *gql.OperationContext, selections ast.SelectionSet, records []domain.ErrorRecord) gql.Marshaler {
	list := make(gql.Array, len(records))
	for i, record := range records {
		list[i] = object(opCtx, selections, "ErrorRecord", errorRecordFields(record))
	}
	return list
}

func errorRecordFields(record domain.ErrorRecord) fieldValue {
	return func(name string) gql.Marshaler {
		switch name {
		case "errorId":
			return gql.MarshalID(strconv.FormatInt(record.ErrorID, 10))
		case "sourceTable":
			return gql.MarshalString(record.SourceTable)
		case "recordNaturalKey":
			if record.RecordNaturalKey == nil {
				return gql.Null
			}
			return gql.MarshalString(string(*record.RecordNaturalKey))
		case "errorType":
			return gql.MarshalString(string(record.ErrorType))
		case "errorSeverity":
			return gql.MarshalString(string(record.ErrorSeverity))
		case "errorMessage":
			return gql.MarshalString(record.ErrorMessage)
		case "failedData":
			return marshalRow(record.FailedData)
		case "processingBatchId":
			return gql.MarshalString(record.ProcessingBatchID)
		case "isRecoverable":
			return gql.MarshalBoolean(record.IsRecoverable)
		case "retryCount":
			return gql.MarshalInt(record.RetryCount)
		case "isResolved":
			return gql.MarshalBoolean(record.IsResolved)
		case "deadLettered":
			return gql.MarshalBoolean(record.DeadLettered())
		case "createdAt":
			return gql.MarshalTime(record.CreatedAt)
		case "lastAttemptDate":
			return marshalOptionalTime(record.LastAttemptDate)
		case "resolvedAt":
			return marshalOptionalTime(record.ResolvedAt)
		}
		return nil
	}
}

func runFields(run domain.RunLog) fieldValue {
	return func(name string) gql.Marshaler {
		switch name {
		case "runId":
			return gql.MarshalID(run.RunID.String())
		case "taskName":
			return gql.MarshalString(run.TaskName)
		case "windowFrom":
			return gql.MarshalTime(run.Window.From)
		case "windowTo":
			return gql.MarshalTime(run.Window.To)
		case "status":
			return gql.MarshalString(string(run.Status))
		case "startedAt":
			return gql.MarshalTime(run.StartedAt)
		case "finishedAt":
			return marshalOptionalTime(run.FinishedAt)
		case "dimensionRowsInserted":
			return gql.MarshalInt(run.DimensionRowsInserted)
		case "dimensionRowsExpired":
			return gql.MarshalInt(run.DimensionRowsExpired)
		case "factsLoaded":
			return gql.MarshalInt(run.FactsLoaded)
		case "errorsRecorded":
			return gql.MarshalInt(run.ErrorsRecorded)
		case "errorMessage":
			if run.ErrorMessage == nil {
				return gql.Null
			}
			return gql.MarshalString(*run.ErrorMessage)
		}
		return nil
	}
}

func dimensionVersionFields(version domain.DimensionRow) fieldValue {
	return func(name string) gql.Marshaler {
		switch name {
		case "surrogateKey":
			return gql.MarshalID(strconv.FormatInt(version.SurrogateKey, 10))
		case "dimension":
			return gql.MarshalString(version.Dimension)
		case "naturalKey":
			return gql.MarshalString(string(version.NaturalKey))
		case "attributes":
			if version.Attributes == nil {
				return marshalRow(domain.Row{})
			}
			return marshalRow(version.Attributes)
		case "validFrom":
			return marshalDate(version.ValidFrom)
		case "validTo":
			if version.ValidTo == nil {
				return gql.Null
			}
			return marshalDate(*version.ValidTo)
		case "isCurrent":
			return gql.MarshalBoolean(version.IsCurrent)
		}
		return nil
	}
}

func reprocessFields(summary ledger.ReprocessSummary) fieldValue {
	return func(name string) gql.Marshaler {
		switch name {
		case "selected":
			return gql.MarshalInt(summary.Selected)
		case "resolved":
			return gql.MarshalInt(summary.Resolved)
		case "failed":
			return gql.MarshalInt(summary.Failed)
		case "deadLettered":
			return gql.MarshalInt(summary.DeadLettered)
		}
		return nil
	}
}

func marshalOptionalTime(t *time.Time) gql.Marshaler {
	if t == nil {
		return gql.Null
	}
	return gql.MarshalTime(*t)
}

// marshalDate writes a version boundary as a calendar date.
func marshalDate(t time.Time) gql.Marshaler {
	return gql.MarshalString(t.Format(time.DateOnly))
}

// marshalRow writes a row as a JSON object; a row that cannot be encoded
// is written as null.
func marshalRow(row domain.Row) gql.Marshaler {
	if row == nil {
		return gql.Null
	}
	encoded, err := domain.EncodeRow(row)
	if err != nil {
		return gql.Null
	}
	return gql.WriterFunc(func(w io.Writer) {
		_, _ = w.Write(encoded)
	})
}

func errorFilterArg(args map[string]any) (domain.ErrorFilter, error) {
	limit, err := intArg(args, "limit")
	if err != nil {
		return domain.ErrorFilter{}, err
	}
	offset, err := intArg(args, "offset")
	if err != nil {
		return domain.ErrorFilter{}, err
	}
	filter := domain.ErrorFilter{Limit: limit, Offset: offset}

	raw, _ := args["filter"].(map[string]any)
	filter.SourceTable, _ = raw["sourceTable"].(string)
	filter.UnresolvedOnly, _ = raw["unresolvedOnly"].(bool)
	filter.DeadLetterOnly, _ = raw["deadLetterOnly"].(bool)
	return filter, nil
}

// intArg reads an Int argument. Literal arguments arrive as int64, variables
// as int64 or json.Number depending on the transport.
func intArg(args map[string]any, name string) (int, error) {
	switch v := args[name].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, fmt.Errorf("%s is out of range", name)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		return intArg(map[string]any{name: n}, name)
	}
	return 0, fmt.Errorf("%s must be an integer", name)
}
