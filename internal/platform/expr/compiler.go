package expr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Program is a compiled expression. It is immutable and safe for concurrent
// use.
type Program struct {
	source string
	hash   string
	root   *astNode
	refs   []string
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Hash returns the content hash the program is cached under.
func (p *Program) Hash() string { return p.hash }

// References returns every identifier the expression may read, sorted. This
// includes bare identifiers and string literals passed to field accessors
// such as useFieldValue('x'). The set over-approximates: callers filter it
// against the identifiers that name real fields.
func (p *Program) References() []string {
	out := make([]string, len(p.refs))
	copy(out, p.refs)
	return out
}

// Eval runs the program synchronously. Reaching an async helper fails with
// ErrAsyncInSyncContext.
func (p *Program) Eval(env *Env) (interface{}, error) {
	c := &evalContext{ctx: context.Background(), env: env}
	v, err := c.eval(p.root)
	if err != nil {
		return nil, err
	}
	return Normalize(v)
}

// EvalAsync runs the program with async helpers enabled. It blocks until the
// result is available or ctx is done.
func (p *Program) EvalAsync(ctx context.Context, env *Env) (interface{}, error) {
	c := &evalContext{ctx: ctx, env: env, async: true}
	v, err := c.eval(p.root)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Normalize(v)
}

// fieldAccessors take a field id as their first argument.
var fieldAccessors = map[string]bool{
	"useFieldValue": true,
}

func collectReferences(root *astNode) []string {
	seen := make(map[string]struct{})
	var walk func(n *astNode)
	walk = func(n *astNode) {
		if n == nil {
			return
		}
		switch n.kind {
		case ndIdent:
			seen[n.value.(string)] = struct{}{}
		case ndCall:
			if fieldAccessors[n.value.(string)] && len(n.children) > 0 && n.children[0].kind == ndLiteral {
				if id, ok := n.children[0].value.(string); ok {
					seen[id] = struct{}{}
				}
			}
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(root)

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

// ============================================================================
// Compiler: content-addressed cache
// ============================================================================

type compiled struct {
	prog *Program
	err  error
}

// Compiler compiles expressions and caches the result under the SHA-256 of
// the trimmed source. Entries are never evicted; a given text always
// compiles to the same program.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]compiled

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCompiler creates an empty compiler cache.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]compiled)}
}

var shared = NewCompiler()

// Shared returns the process-wide compiler.
func Shared() *Compiler { return shared }

// HashSource returns the cache key for an expression text.
func HashSource(src string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(src)))
	return hex.EncodeToString(sum[:])
}

// Compile returns the cached program for src, parsing it on first use.
// Parse failures are cached as well.
func (c *Compiler) Compile(src string) (*Program, error) {
	key := HashSource(src)

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return entry.prog, entry.err
	}
	c.misses.Add(1)

	text := strings.TrimSpace(src)
	root, err := parse(text)
	if err == nil {
		entry = compiled{prog: &Program{source: text, hash: key, root: root, refs: collectReferences(root)}}
	} else {
		entry = compiled{err: err}
	}

	c.mu.Lock()
	if existing, ok := c.cache[key]; ok {
		entry = existing
	} else {
		c.cache[key] = entry
	}
	c.mu.Unlock()

	return entry.prog, entry.err
}

// Stats reports cache hits, misses and size.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Stats returns a snapshot of cache counters.
func (c *Compiler) Stats() Stats {
	c.mu.RLock()
	size := len(c.cache)
	c.mu.RUnlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}
