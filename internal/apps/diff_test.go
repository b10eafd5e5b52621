package apps

import (
	"strings"
	"testing"
)

func TestDiffSingleFieldPatch(t *testing.T) {
	original := testApp()
	patch := PatchApp{Description: strPtr("better description")}
	updated := Reconcile(original, patch)

	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("expected a change description")
	}
	if len(cd.AttributeChanges) != 1 {
		t.Fatalf("expected exactly one change, got %v", cd.AttributeChanges)
	}
	ch, ok := cd.AttributeChanges["description"]
	if !ok {
		t.Fatalf("description change missing: %v", cd.AttributeChanges)
	}
	if ch.Old != "counts words" || ch.New != "better description" {
		t.Fatalf("unexpected change values: %+v", ch)
	}
}

func TestDiffNoOpPatchReturnsNil(t *testing.T) {
	original := testApp()
	// Setting a field to its current value is not a change.
	patch := PatchApp{Description: strPtr(original.Description)}
	updated := Reconcile(original, patch)
	if cd := Diff(original, updated, &patch); cd != nil {
		t.Fatalf("no-op patch produced changes: %v", cd.AttributeChanges)
	}
}

func TestDiffSkipsUntouchedFields(t *testing.T) {
	original := testApp()
	updated := original.Copy()
	updated.Description = "changed outside the patch"
	updated.MaxJobs = 7

	// The patch only names maxJobs, so only maxJobs may be reported even
	// though description also differs between the two states.
	patch := PatchApp{MaxJobs: intPtr(7)}
	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("expected a change description")
	}
	if _, ok := cd.AttributeChanges["description"]; ok {
		t.Fatal("untouched description reported as changed")
	}
	if _, ok := cd.AttributeChanges["maxJobs"]; !ok {
		t.Fatalf("maxJobs change missing: %v", cd.AttributeChanges)
	}
}

func TestDiffTagReorderIsNotAChange(t *testing.T) {
	original := testApp()
	patch := PatchApp{Tags: []string{"analysis", "text"}}
	updated := Reconcile(original, patch)
	if cd := Diff(original, updated, &patch); cd != nil {
		t.Fatalf("tag reorder reported as change: %v", cd.AttributeChanges)
	}
}

func TestDiffTagContentChange(t *testing.T) {
	original := testApp()
	patch := PatchApp{Tags: []string{"text", "nlp"}}
	updated := Reconcile(original, patch)
	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("tag content change not reported")
	}
	if _, ok := cd.AttributeChanges["tags"]; !ok {
		t.Fatalf("tags change missing: %v", cd.AttributeChanges)
	}
}

func TestDiffAlwaysComparesNonPatchableFields(t *testing.T) {
	original := testApp()
	updated := original.Copy()
	updated.Owner = "bela"
	updated.Enabled = false

	// Non-patchable fields participate even with an empty patch.
	patch := PatchApp{}
	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("expected a change description")
	}
	if _, ok := cd.AttributeChanges["owner"]; !ok {
		t.Fatalf("owner change missing: %v", cd.AttributeChanges)
	}
	if _, ok := cd.AttributeChanges["enabled"]; !ok {
		t.Fatalf("enabled change missing: %v", cd.AttributeChanges)
	}
}

func TestDiffFullUpdateAlwaysRecordsVersion(t *testing.T) {
	original := testApp()
	updated := original.Copy()
	updated.Version = "2.0"

	cd := Diff(original, updated, nil)
	if cd == nil {
		t.Fatal("new version with identical content produced no change description")
	}
	if _, ok := cd.AttributeChanges["version"]; !ok {
		t.Fatalf("version change missing: %v", cd.AttributeChanges)
	}
}

func TestDiffNestedFieldNames(t *testing.T) {
	original := testApp()
	patch := PatchApp{
		JobAttributes: &JobAttributesPatch{NodeCount: intPtr(16)},
		ParameterSet: &ParameterSetPatch{
			ArchiveFilter: &ArchiveFilterPatch{Excludes: []string{"scratch/*"}},
		},
	}
	updated := Reconcile(original, patch)
	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("expected changes")
	}
	for _, want := range []string{"jobAttributes.nodeCount", "parameterSet.archiveFilter.excludes"} {
		if _, ok := cd.AttributeChanges[want]; !ok {
			t.Fatalf("missing dotted change %q: %v", want, cd.AttributeChanges)
		}
	}
}

func TestScrubbedTextMasksSensitiveFields(t *testing.T) {
	original := testApp()
	patch := PatchApp{
		Notes: map[string]interface{}{"secret": "hunter2"},
		ParameterSet: &ParameterSetPatch{
			EnvVariables: []KeyValuePair{{Key: "TOKEN", Value: "s3cr3t"}},
		},
	}
	updated := Reconcile(original, patch)
	cd := Diff(original, updated, &patch)
	if cd == nil {
		t.Fatal("expected changes")
	}

	text := cd.ScrubbedText()
	for _, leaked := range []string{"hunter2", "s3cr3t"} {
		if strings.Contains(text, leaked) {
			t.Fatalf("scrubbed text leaks %q: %s", leaked, text)
		}
	}
	if !strings.Contains(text, scrubMask) {
		t.Fatalf("scrub mask missing: %s", text)
	}
	// The unscrubbed description keeps the real values for persistence.
	if raw := string(cd.JSON()); !strings.Contains(raw, "hunter2") {
		t.Fatalf("persisted description lost real value: %s", raw)
	}
}
