package intent

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name        string
		query       string
		wantPrimary Intent
	}{
		{"year and branch peers", "Find 1995 mechanical engineers", FindPeers},
		{"two digit batch peers", "Find 95 passout mechanical", FindPeers},
		{"year only peers", "Find 1995 batch in Chennai", FindPeers},
		{"service companies", "Find web development companies in Chennai", FindBusiness},
		{"industry lookup", "textile industry contacts", FindBusiness},
		{"who is person", "Who is Sivakumar?", FindSpecificPerson},
		{"find name person", "Find Sivakumar from USAM Technology", FindSpecificPerson},
		{"contact of person", "contact of Ramesh Kumar", FindSpecificPerson},
		{"batch plus business", "Find IT companies in Chennai from 1995 mechanical batch", FindAlumniBusiness},
		{"alumni entrepreneurs", "businesses run by 1995 batch alumni", FindAlumniBusiness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.query)
			if got.Primary != tt.wantPrimary {
				t.Errorf("Classify(%q).Primary = %q (confidence %.2f, matched %v), want %q",
					tt.query, got.Primary, got.Confidence, got.MatchedPatterns, tt.wantPrimary)
			}
			if got.Secondary == got.Primary && got.Secondary != "" {
				t.Errorf("secondary %q equals primary", got.Secondary)
			}
		})
	}
}

func TestClassifyNoSignal(t *testing.T) {
	c := NewClassifier()

	got := c.Classify("hello there")
	if got.Confidence != 0 {
		t.Errorf("confidence = %.2f, want 0 when no rule fired", got.Confidence)
	}
	if len(got.MatchedPatterns) != 0 {
		t.Errorf("matched patterns = %v, want none", got.MatchedPatterns)
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	c := NewClassifier()

	queries := []string{
		"Find 1995 mechanical engineers",
		"Find web development companies in Chennai and Bengaluru",
		"Who is Sivakumar?",
		"successful business contacts of Ramesh",
		"",
	}
	for _, q := range queries {
		got := c.Classify(q)
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("Classify(%q).Confidence = %v, outside [0,1]", q, got.Confidence)
		}
	}
}

func TestClassifyAmbiguous(t *testing.T) {
	c := NewClassifier()

	got := c.Classify("successful business contacts of Ramesh")
	if !got.IsAmbiguous() {
		t.Fatalf("expected ambiguity between person and business, got %+v", got)
	}
	if got.Primary != FindSpecificPerson || got.Secondary != FindBusiness {
		t.Errorf("got primary=%q secondary=%q, want person/business", got.Primary, got.Secondary)
	}

	suggestions := SuggestRefinement(got)
	if len(suggestions) == 0 {
		t.Error("SuggestRefinement returned nothing for an ambiguous result")
	}
	for _, s := range suggestions {
		if s == "" {
			t.Error("SuggestRefinement returned an empty string")
		}
	}
}

func TestClassifyUnambiguousNoRefinement(t *testing.T) {
	c := NewClassifier()

	got := c.Classify("Find 1995 mechanical engineers")
	if got.IsAmbiguous() {
		t.Fatalf("unexpected ambiguity: %+v", got)
	}
	if s := SuggestRefinement(got); s != nil {
		t.Errorf("SuggestRefinement = %v, want nil for unambiguous result", s)
	}
}

func TestClassifyPeersNotHijackedWithoutBusinessSignal(t *testing.T) {
	c := NewClassifier()

	// A year+location query with no business words must stay find_peers.
	got := c.Classify("Find 1995 batch in Chennai")
	if got.Primary != FindPeers {
		t.Errorf("primary = %q, want find_peers when no business signal fired", got.Primary)
	}
	for _, p := range got.MatchedPatterns {
		if p == string(FindAlumniBusiness)+":peer_business_cooccurrence" {
			t.Error("co-occurrence rule fired without a business signal")
		}
	}
}

func TestClassifyCapitalizedServiceNotAPerson(t *testing.T) {
	c := NewClassifier()

	got := c.Classify("Find Web Development companies")
	if got.Primary == FindSpecificPerson {
		t.Errorf("primary = find_specific_person for a service query: %+v", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier()
	query := "Find IT companies in Chennai from 1995 mechanical batch"

	first := c.Classify(query)
	for i := 0; i < 10; i++ {
		if got := c.Classify(query); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func BenchmarkClassify(b *testing.B) {
	c := NewClassifier()
	query := "Find IT companies in Chennai from 1995 mechanical batch"

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Classify(query)
	}
}
