package config

import (
	"context"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"
)

func TestBindingsEval(t *testing.T) {
	be := NewBindingsEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		want   map[string]cty.Value
	}{
		{
			name:   "scalars",
			script: "region = \"fra1\"\ncount = 3\nratio = 0.5\nenabled = True\nnothing = None\n",
			want: map[string]cty.Value{
				"region":  cty.StringVal("fra1"),
				"count":   cty.NumberIntVal(3),
				"ratio":   cty.NumberFloatVal(0.5),
				"enabled": cty.True,
				"nothing": cty.NullVal(cty.DynamicPseudoType),
			},
		},
		{
			name:   "list becomes tuple",
			script: "zones = [\"a\", \"b\", \"c\"]\n",
			want: map[string]cty.Value{
				"zones": cty.TupleVal([]cty.Value{
					cty.StringVal("a"), cty.StringVal("b"), cty.StringVal("c"),
				}),
			},
		},
		{
			name:   "mixed list",
			script: "mixed = [\"a\", 1]\n",
			want: map[string]cty.Value{
				"mixed": cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.NumberIntVal(1)}),
			},
		},
		{
			name:   "dict becomes object",
			script: "server = {\"name\": \"web\", \"size\": 2}\n",
			want: map[string]cty.Value{
				"server": cty.ObjectVal(map[string]cty.Value{
					"name": cty.StringVal("web"),
					"size": cty.NumberIntVal(2),
				}),
			},
		},
		{
			name:   "empty collections",
			script: "none_yet = []\nempty = {}\n",
			want: map[string]cty.Value{
				"none_yet": cty.EmptyTupleVal,
				"empty":    cty.EmptyObjectVal,
			},
		},
		{
			name:   "computed values",
			script: "def sizes(n):\n    return [i * 2 for i in range(n)]\n\nsizes_out = sizes(3)\n",
			want: map[string]cty.Value{
				"sizes_out": cty.TupleVal([]cty.Value{
					cty.NumberIntVal(0), cty.NumberIntVal(2), cty.NumberIntVal(4),
				}),
			},
		},
		{
			name:   "struct becomes object",
			script: "conn = struct(host = \"10.0.0.1\", port = 22)\n",
			want: map[string]cty.Value{
				"conn": cty.ObjectVal(map[string]cty.Value{
					"host": cty.StringVal("10.0.0.1"),
					"port": cty.NumberIntVal(22),
				}),
			},
		},
		{
			name:   "underscore names stay private",
			script: "_hidden = 1\nshown = 2\n",
			want: map[string]cty.Value{
				"shown": cty.NumberIntVal(2),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := be.Eval(ctx, "test.star", []byte(tt.script))
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d bindings %v, want %d", len(got), got, len(tt.want))
			}
			for name, want := range tt.want {
				val, ok := got[name]
				if !ok {
					t.Errorf("binding %s missing", name)
					continue
				}
				if !val.RawEquals(want) {
					t.Errorf("binding %s = %#v, want %#v", name, val, want)
				}
			}
		})
	}
}

func TestBindingsEvalErrors(t *testing.T) {
	be := NewBindingsEvaluator(5 * time.Second)
	ctx := context.Background()

	for _, script := range []string{
		"invalid syntax here",
		"x = undefined_name",
		"def f():\n    pass\n\nfn = f\n", // function values cannot bind
	} {
		if _, err := be.Eval(ctx, "bad.star", []byte(script)); err == nil {
			t.Errorf("expected error for %q", script)
		}
	}
}

func TestBindingsEvalTimeout(t *testing.T) {
	be := NewBindingsEvaluator(100 * time.Millisecond)

	script := `
def slow():
    total = 0
    for i in range(100000000):
        total += i
    return total

out = slow()
`
	start := time.Now()
	_, err := be.Eval(context.Background(), "slow.star", []byte(script))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, should abort promptly", elapsed)
	}
}

func TestBindingsEvalFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "vars.star", "region = \"fra1\"\n")

	be := NewBindingsEvaluator(0)
	got, err := be.EvalFile(context.Background(), dir+"/vars.star")
	if err != nil {
		t.Fatalf("EvalFile: %v", err)
	}
	if !got["region"].RawEquals(cty.StringVal("fra1")) {
		t.Errorf("region = %#v", got["region"])
	}

	if _, err := be.EvalFile(context.Background(), dir+"/missing.star"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseVariableFlag(t *testing.T) {
	tests := []struct {
		raw      string
		wantName string
		wantVal  cty.Value
		wantErr  bool
	}{
		{raw: "region=fra1", wantName: "region", wantVal: cty.StringVal("fra1")},
		{raw: "count=3", wantName: "count", wantVal: cty.NumberIntVal(3)},
		{raw: "enabled=true", wantName: "enabled", wantVal: cty.True},
		{raw: `zones=["a","b"]`, wantName: "zones", wantVal: cty.TupleVal([]cty.Value{cty.StringVal("a"), cty.StringVal("b")})},
		{raw: `name="quoted"`, wantName: "name", wantVal: cty.StringVal("quoted")},
		{raw: "path=/var/lib", wantName: "path", wantVal: cty.StringVal("/var/lib")},
		{raw: "noequals", wantErr: true},
		{raw: "bad name=x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, val, err := ParseVariableFlag(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVariableFlag: %v", err)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if !val.RawEquals(tt.wantVal) {
				t.Errorf("value = %#v, want %#v", val, tt.wantVal)
			}
		})
	}
}
