package paste

import "testing"

func TestParseSingleLine(t *testing.T) {
	items := Parse("Chairs 20")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Name != "Chairs" {
		t.Errorf("expected name Chairs, got %q", items[0].Name)
	}
	if !items[0].Value.Present || items[0].Value.Num != 20 {
		t.Errorf("expected value 20, got %+v", items[0].Value)
	}
	if items[0].ID == "" {
		t.Error("expected a fresh id")
	}
	if items[0].Note != "" {
		t.Errorf("expected empty note, got %q", items[0].Note)
	}
}

func TestParseMixedBlock(t *testing.T) {
	items := Parse("Umbrella 6m = 450\nNo numbers here\nLamp 12")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Name != "Umbrella 6m" || items[0].Value.Or0() != 450 {
		t.Errorf("first item = %q/%v, want Umbrella 6m/450", items[0].Name, items[0].Value.Or0())
	}
	if items[1].Name != "Lamp" || items[1].Value.Or0() != 12 {
		t.Errorf("second item = %q/%v, want Lamp/12", items[1].Name, items[1].Value.Or0())
	}
}

func TestParseKeepsEarlierNumbersInName(t *testing.T) {
	items := Parse("Umbrella 6 meters = 450")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Name != "Umbrella 6 meters" {
		t.Errorf("earlier numeric tokens must survive in the name, got %q", items[0].Name)
	}
	if items[0].Value.Or0() != 450 {
		t.Errorf("expected value 450, got %v", items[0].Value.Or0())
	}
}

func TestParseThousandsSeparators(t *testing.T) {
	items := Parse("Generator 1,250.50")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Value.Or0() != 1250.50 {
		t.Errorf("expected 1250.50, got %v", items[0].Value.Or0())
	}
}

func TestParseSkipsUnusableLines(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"no digits at all",
		"42", // number with no name left
	}
	for _, in := range cases {
		if items := Parse(in); len(items) != 0 {
			t.Errorf("Parse(%q) = %d items, want 0", in, len(items))
		}
	}
}

func TestParseArabicLine(t *testing.T) {
	items := Parse("مظلة 6 متر = 450")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Name != "مظلة 6 متر" {
		t.Errorf("got name %q", items[0].Name)
	}
	if items[0].Value.Or0() != 450 {
		t.Errorf("expected 450, got %v", items[0].Value.Or0())
	}
}
