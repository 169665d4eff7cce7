package expr

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func mustCompile(t *testing.T, src string) *Program {
	t.Helper()
	p, err := NewCompiler().Compile(src)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	return p
}

func TestEval_Table(t *testing.T) {
	env := &Env{
		Values: map[string]interface{}{
			"weight":   70.0,
			"height":   175.0,
			"hivTest":  "703AAAAA",
			"symptoms": []interface{}{"cough", "fever"},
			"empty":    "",
		},
		Vars: map[string]interface{}{
			"mode":    "enter",
			"patient": map[string]interface{}{"sex": "F", "age": 34.0},
		},
	}

	tests := []struct {
		src  string
		want interface{}
	}{
		{"1 + 2 * 3", 7.0},
		{"(1 + 2) * 3", 9.0},
		{"10 % 4", 2.0},
		{"-weight + 100", 30.0},
		{"'a' + 1", "a1"},
		{"weight > 50 && height < 200", true},
		{"weight > 80 || 'fallback'", "fallback"},
		{"missing ?? 'default'", "default"},
		{"hivTest === '703AAAAA'", true},
		{"hivTest !== '703AAAAA'", false},
		{"weight == '70'", true},
		{"weight === '70'", false},
		{"!empty", true},
		{"isEmpty(empty)", true},
		{"isEmpty(weight)", false},
		{"patient.sex == 'F' ? 'female' : 'male'", "female"},
		{"patient.age >= 18", true},
		{"symptoms.length", 2.0},
		{"symptoms[1]", "fever"},
		{"symptoms.includes('cough')", true},
		{"hivTest.startsWith('703')", true},
		{"includes(symptoms, 'rash')", false},
		{"arrayContains(symptoms, ['cough', 'fever'])", true},
		{"arrayContainsAny(symptoms, ['rash', 'fever'])", true},
		{"mode == 'enter'", true},
		{"undefinedField", nil},
		{"undefinedField + 1", nil},
		{"weight * undefinedField", nil},
		{"undefinedField + 'kg'", "kg"},
		{"[1, 'two']", []interface{}{1.0, "two"}},
		{"doesNotMatchExpression('^[0-9]+$', 'abc')", true},
		{"calcBMI(height, weight)", 22.9},
		{"calcBSA(height, weight)", 1.84},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := mustCompile(t, tt.src).Eval(env)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEval_DateHelpers(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)
	env := &Env{
		Values: map[string]interface{}{
			"lmp":      "2024-01-01",
			"artStart": "2023-12-20",
			"visit":    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		Now: func() time.Time { return now },
	}

	got, err := mustCompile(t, "calcEDD(lmp)").Eval(env)
	if err != nil {
		t.Fatalf("calcEDD: %v", err)
	}
	if edd := got.(time.Time); !edd.Equal(time.Date(2024, 10, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected EDD %v", edd)
	}

	got, _ = mustCompile(t, "calcMonthsOnART(artStart)").Eval(env)
	if got != 5.0 {
		t.Errorf("expected 5 months on ART, got %v", got)
	}

	got, _ = mustCompile(t, "isDateBefore(lmp, visit)").Eval(env)
	if got != true {
		t.Errorf("expected lmp before visit")
	}

	got, _ = mustCompile(t, "isDateAfter(visit, lmp, 6, 'months')").Eval(env)
	if got != false {
		t.Errorf("visit should not be more than 6 months after lmp")
	}

	got, _ = mustCompile(t, "today()").Eval(env)
	if !got.(time.Time).Equal(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected today() %v", got)
	}
}

func TestCompile_ParseErrors(t *testing.T) {
	c := NewCompiler()
	for _, src := range []string{"a +", "(a", "a ? b", "'unterminated", "a # b", "a.", "[1, 2"} {
		if _, err := c.Compile(src); err == nil {
			t.Errorf("expected parse error for %q", src)
		}
	}
}

func TestCompile_CachesByContentHash(t *testing.T) {
	c := NewCompiler()
	p1, err := c.Compile("a + b")
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := c.Compile("  a + b  ")
	if p1 != p2 {
		t.Error("expected identical programs for identical trimmed source")
	}
	if p1.Hash() != HashSource("a + b") {
		t.Error("program hash does not match HashSource")
	}

	c.Compile("a +")
	c.Compile("a +")

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("expected 2 cache entries, got %d", stats.Size)
	}
	if stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestProgram_References(t *testing.T) {
	p := mustCompile(t, "isEmpty(bar) && patient.sex == 'F' || useFieldValue('baz') > foo.length")
	want := []string{"bar", "baz", "foo", "patient"}
	if got := p.References(); !reflect.DeepEqual(got, want) {
		t.Errorf("References() = %v, want %v", got, want)
	}
}

func TestEval_UseFieldValueReportsReference(t *testing.T) {
	var seen []string
	env := &Env{
		Values:      map[string]interface{}{"weight": 60.0},
		OnReference: func(id string) { seen = append(seen, id) },
	}
	got, err := mustCompile(t, "useFieldValue('weight') * 2").Eval(env)
	if err != nil {
		t.Fatal(err)
	}
	if got != 120.0 {
		t.Errorf("expected 120, got %v", got)
	}
	if len(seen) != 1 || seen[0] != "weight" {
		t.Errorf("expected reference to weight, got %v", seen)
	}
}

func TestEval_AsyncHelpers(t *testing.T) {
	env := &Env{
		AsyncFuncs: map[string]AsyncFunc{
			"latestObs": func(ctx context.Context, _ *Env, args []interface{}) (interface{}, error) {
				return 42.0, nil
			},
		},
	}
	p := mustCompile(t, "resolve(latestObs('5089AAAA')) + 1")

	if _, err := p.Eval(env); !errors.Is(err, ErrAsyncInSyncContext) {
		t.Errorf("expected ErrAsyncInSyncContext, got %v", err)
	}

	got, err := p.EvalAsync(context.Background(), env)
	if err != nil {
		t.Fatalf("EvalAsync: %v", err)
	}
	if got != 43.0 {
		t.Errorf("expected 43, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.EvalAsync(ctx, env); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEval_QualifiedHelperName(t *testing.T) {
	env := &Env{
		Values: map[string]interface{}{"weight": 70.0},
		AsyncFuncs: map[string]AsyncFunc{
			"api.getLatestObs": func(ctx context.Context, _ *Env, args []interface{}) (interface{}, error) {
				return args[0], nil
			},
		},
	}
	got, err := mustCompile(t, "api.getLatestObs(weight)").EvalAsync(context.Background(), env)
	if err != nil {
		t.Fatalf("EvalAsync: %v", err)
	}
	if got != 70.0 {
		t.Errorf("expected 70, got %v", got)
	}

	if _, err := mustCompile(t, "api.other(1)").Eval(env); err == nil {
		t.Error("expected error for unregistered qualified helper")
	}
}

func TestEval_RejectsUnsupportedResult(t *testing.T) {
	type opaque struct{}
	env := &Env{
		Funcs: map[string]Func{
			"handle": func(*Env, []interface{}) (interface{}, error) { return opaque{}, nil },
		},
	}
	if _, err := mustCompile(t, "handle()").Eval(env); !errors.Is(err, ErrUnsupportedResult) {
		t.Errorf("expected ErrUnsupportedResult, got %v", err)
	}
}

func TestEval_UnknownFunction(t *testing.T) {
	if _, err := mustCompile(t, "nope(1)").Eval(&Env{}); err == nil {
		t.Error("expected error for unknown function")
	}
}

func TestTruthyAndEmpty(t *testing.T) {
	if Truthy(0.0) || Truthy("") || Truthy(nil) || !Truthy([]interface{}{}) {
		t.Error("truthiness rules violated")
	}
	if !IsEmpty([]interface{}{}) || !IsEmpty("  ") || IsEmpty(0.0) {
		t.Error("emptiness rules violated")
	}
}
