package metadata

import "testing"

func TestEncodeBareKeyForEmptyValue(t *testing.T) {
	got := Encode(map[string]string{"flag": ""})
	if got != "flag" {
		t.Fatalf("expected bare key, got %q", got)
	}
}

func TestEncodeSortedDeterministic(t *testing.T) {
	m := map[string]string{
		"filename": "world_domination_plan.pdf",
		"is_confidential": "true",
	}

	got := Encode(m)
	want := "filename d29ybGRfZG9taW5hdGlvbl9wbGFuLnBkZg==,is_confidential dHJ1ZQ=="

	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	m := map[string]string{
		"name":  "archive.tar",
		"flag":  "",
		"owner": "team-uploads",
	}

	encoded := Encode(m)
	decoded := Decode(encoded)

	for k, v := range m {
		if decoded[k] != v {
			t.Fatalf("round trip mismatch for key %q: got %q want %q", k, decoded[k], v)
		}
	}
}

func TestEncodeDropsInvalidKeys(t *testing.T) {
	got := Encode(map[string]string{"filename": "a.txt", "bad key": "x"})
	want := "filename YS50eHQ="
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestValidKey(t *testing.T) {
	cases := map[string]bool{
		"filename":   true,
		"is-final_v2": true,
		"":           false,
		"bad key":    false,
		"bad,key":    false,
	}

	for k, want := range cases {
		if ValidKey(k) != want {
			t.Errorf("ValidKey(%q) = %v, want %v", k, !want, want)
		}
	}
}
