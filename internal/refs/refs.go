// ABOUTME: Resolves ${scope.path} reference expressions against workflow context
// ABOUTME: A dotted-path lookup via JMESPath, not a template evaluator

package refs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/mitchellh/copystructure"

	"github.com/devit-tel/sagapm/pkg/types"
)

var exprRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context is the pre-assembled lookup scope a Snapshot resolves against:
// "workflow" holds the owning workflow instance's input/output, and one entry per
// taskReferenceName holds that task's input/output (§4.4).
type Context struct {
	scope map[string]any
}

// NewContext builds an empty resolution scope.
func NewContext() *Context {
	return &Context{scope: map[string]any{}}
}

// SetWorkflow records the owning workflow's input/output under "workflow".
func (c *Context) SetWorkflow(input, output map[string]any) {
	c.scope["workflow"] = map[string]any{"input": input, "output": output}
}

// SetTask records a completed task's input/output under its reference name.
func (c *Context) SetTask(taskReferenceName string, input, output map[string]any) {
	c.scope[taskReferenceName] = map[string]any{"input": input, "output": output}
}

// Snapshot deep-copies the current scope via copystructure so a later
// mutation to the live context cannot retroactively change an
// already-resolved input (§4.4 last bullet).
func (c *Context) Snapshot() (*Context, error) {
	copied, err := copystructure.Copy(c.scope)
	if err != nil {
		return nil, fmt.Errorf("snapshot reference context: %w", err)
	}
	return &Context{scope: copied.(map[string]any)}, nil
}

// Resolve evaluates every ${expr} fragment in value against the context.
//
// A value that is exactly one ${expr} resolves to the referenced value's
// native type. A value containing multiple fragments, or literal text
// around a fragment, stringifies and concatenates every piece. Unresolved
// paths yield "" in concatenated form and nil in whole-string form — both
// fall out of JMESPath's own nil-propagation, no special-casing required.
func Resolve(value string, ctx *Context) (any, error) {
	matches := exprRe.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(value) {
		expr := value[matches[0][2]:matches[0][3]]
		return lookup(expr, ctx)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(value[last:m[0]])
		expr := value[m[2]:m[3]]
		v, err := lookup(expr, ctx)
		if err != nil {
			return nil, err
		}
		if v != nil {
			fmt.Fprint(&b, v)
		}
		last = m[1]
	}
	b.WriteString(value[last:])
	return b.String(), nil
}

// ResolveMap resolves every value of a string-valued map; each result keeps
// the type Resolve gives it (used for outputParameters and task input assembly).
func ResolveMap(values map[string]string, ctx *Context) (map[string]any, error) {
	result := make(map[string]any, len(values))
	for k, raw := range values {
		v, err := Resolve(raw, ctx)
		if err != nil {
			return nil, types.NewReferenceError(raw, err)
		}
		result[k] = v
	}
	return result, nil
}

func lookup(expr string, ctx *Context) (any, error) {
	result, err := jmespath.Search(dottedToJMESPath(expr), ctx.scope)
	if err != nil {
		return nil, types.NewReferenceError(expr, err)
	}
	return result, nil
}

// dottedToJMESPath turns "t1.output.count" into the JMESPath search
// expression `"t1".output.count`, quoting the first segment so identifiers
// that aren't valid bare JMESPath identifiers (e.g. containing hyphens)
// still work as taskReferenceNames.
func dottedToJMESPath(expr string) string {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) == 1 {
		return fmt.Sprintf("%q", parts[0])
	}
	return fmt.Sprintf("%q.%s", parts[0], parts[1])
}
