package redis

import "testing"

func TestIDMillis(t *testing.T) {
	ms, ok := idMillis("1712345678901-4")
	if !ok || ms != 1712345678901 {
		t.Fatalf("idMillis = (%d, %v), want (1712345678901, true)", ms, ok)
	}
	if _, ok := idMillis("garbage"); ok {
		t.Fatal("idMillis accepted an id without a dash")
	}
	if _, ok := idMillis("-5"); ok {
		t.Fatal("idMillis accepted an empty millisecond part")
	}
}

func TestToFields(t *testing.T) {
	f := toFields(map[string]interface{}{"a": "x", "n": int64(7)})
	if f["a"] != "x" || f["n"] != "7" {
		t.Fatalf("toFields = %v", f)
	}
}

func TestXAddArgsTrimsApprox(t *testing.T) {
	args := xaddArgs("s", 500, map[string]string{"k": "v"})
	if args.MaxLen != 500 || !args.Approx {
		t.Fatalf("xaddArgs trim config = (%d, %v), want (500, true)", args.MaxLen, args.Approx)
	}
	if args.Values.(map[string]interface{})["k"] != "v" {
		t.Fatalf("xaddArgs values = %v", args.Values)
	}
}
