// Package browse answers Find requests against an entity's index store:
// glob path patterns, point-in-time views, deleted items and CEL filters.
package browse

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

// ErrInvalidRequest is returned for malformed patterns and filters.
var ErrInvalidRequest = errors.New("invalid browse request")

// Request is a Find request.
type Request struct {
	// Pattern is an absolute path glob. "*" matches within one path segment,
	// "**" matches any number of segments. Empty means everything.
	Pattern string `schema:"pattern"`
	// PointInTime selects the view as of that time. Zero means now.
	PointInTime time.Time `schema:"-"`
	// ShowDeleted includes items deleted as of the view time.
	ShowDeleted bool `schema:"deleted"`
	// Filter is a CEL expression over entry, for example
	// `entry.kind == "file" && entry.size > 1024`.
	Filter string `schema:"filter"`
	// Limit bounds the number of entries. Zero means no limit.
	Limit int `schema:"limit"`
}

// Result is the answer to a Find request.
type Result struct {
	Entries   []types.Entry `json:"entries"`
	Truncated bool          `json:"truncated"`
}

// Query is a compiled request.
type Query struct {
	req     Request
	pattern []string
	prefix  string
	filter  cel.Program
}

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("browse: failed to build CEL environment: %v", err))
	}
}

// Compile validates req and prepares it for evaluation.
func Compile(req Request) (*Query, error) {
	pattern := req.Pattern
	if pattern == "" {
		pattern = "/**"
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: pattern %q must be absolute", ErrInvalidRequest, pattern)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}

	segs := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var literal []string
	prefixDone := false
	for _, seg := range segs {
		if seg != "**" {
			if _, err := path.Match(seg, seg); err != nil {
				return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRequest, pattern, err)
			}
		}
		if prefixDone || strings.ContainsAny(seg, `*?[\`) {
			prefixDone = true
			continue
		}
		literal = append(literal, seg)
	}

	q := &Query{req: req, pattern: segs, prefix: "/" + strings.Join(literal, "/")}
	if req.Filter != "" {
		ast, issues := env.Compile(req.Filter)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: filter: %v", ErrInvalidRequest, issues.Err())
		}
		if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
			return nil, fmt.Errorf("%w: filter must be a boolean expression", ErrInvalidRequest)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: filter: %v", ErrInvalidRequest, err)
		}
		q.filter = prg
	}
	return q, nil
}

// Match reports whether p matches the request pattern.
func (q *Query) Match(p string) bool {
	return matchSegments(q.pattern, strings.Split(strings.TrimPrefix(p, "/"), "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// Run evaluates the query against st.
func (q *Query) Run(ctx context.Context, st store.Store) (Result, error) {
	res := Result{Entries: []types.Entry{}}
	opts := store.QueryOptions{
		Prefix:         q.prefix,
		PointInTime:    q.req.PointInTime,
		IncludeDeleted: q.req.ShowDeleted,
	}
	for e, err := range st.Query(opts) {
		if err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !q.Match(e.Path) {
			continue
		}
		ok, err := q.eval(e)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		if q.req.Limit > 0 && len(res.Entries) == q.req.Limit {
			res.Truncated = true
			break
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

func (q *Query) eval(e types.Entry) (bool, error) {
	if q.filter == nil {
		return true, nil
	}
	out, _, err := q.filter.Eval(map[string]any{"entry": entryVars(e)})
	if err != nil {
		return false, fmt.Errorf("%w: filter evaluation on %s: %v", ErrInvalidRequest, e.Path, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: filter result is not boolean: %T", ErrInvalidRequest, out.Value())
	}
	return b, nil
}

func entryVars(e types.Entry) map[string]any {
	return map[string]any{
		"path":     e.Path,
		"name":     path.Base(e.Path),
		"kind":     e.Kind.String(),
		"size":     e.Size,
		"job":      string(e.Job),
		"deleted":  e.Deleted,
		"modified": e.ModifiedAt,
	}
}

// Find compiles req and runs it against st.
func Find(ctx context.Context, st store.Store, req Request) (Result, error) {
	q, err := Compile(req)
	if err != nil {
		return Result{}, err
	}
	return q.Run(ctx, st)
}
