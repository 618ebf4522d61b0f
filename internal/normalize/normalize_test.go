package normalize

import "testing"

func TestNormalizeFoldsVariants(t *testing.T) {
	cases := []struct {
		name string
		a    string
		b    string
	}{
		{"hamza alef forms", "أحمد", "احمد"},
		{"alef madda", "آلة", "الة"},
		{"alef maksura vs yeh", "مبنى", "مبني"},
		{"waw hamza", "مؤن", "مون"},
		{"yeh hamza", "بئر", "بير"},
		{"diacritics", "مَنْزِل", "منزل"},
		{"tatweel", "خــيمة", "خيمة"},
		{"ascii case", "Tent 6M", "tent 6m"},
		{"punctuation", "tent-6m (big)", "tent 6m big"},
		{"arabic comma", "خيمة، 6", "خيمة 6"},
		{"whitespace runs", "  tent   6m  ", "tent 6m"},
	}
	for _, tc := range cases {
		if got, want := Normalize(tc.a), Normalize(tc.b); got != want {
			t.Errorf("%s: Normalize(%q)=%q, Normalize(%q)=%q, want equal", tc.name, tc.a, got, tc.b, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"Tent 6m = 450",
		"مَنْزِل كبير",
		"a.b*c=d,e:f;g(h)i-j_k/l\\m",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, twice, once)
		}
	}
}

func TestNormalizeKeepsDigits(t *testing.T) {
	got := Normalize("Umbrella 6 meters = 450")
	if got != "umbrella 6 meters 450" {
		t.Errorf("digits must survive, got %q", got)
	}
	// Arabic-Indic digits are not separators either.
	got = Normalize("٦ متر")
	if got != "٦ متر" {
		t.Errorf("arabic digit dropped: %q", got)
	}
}

func TestNormalizeNeverFails(t *testing.T) {
	// Total function: odd input shapes still produce a key.
	for _, in := range []string{"", " ", "---", "ــ", "()=*"} {
		if got := Normalize(in); got != "" {
			t.Errorf("Normalize(%q) = %q, want empty key", in, got)
		}
	}
}
