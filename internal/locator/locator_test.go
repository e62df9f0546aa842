package locator_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/testutil"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// fixture layout, concatenated text (segments joined with "\n"):
//
//	seg 1: "First paragraph text here. Inside the anchored section. Second anchored paragraph."
//	seg 2: "Closing chapter words. More closing words."
func pkgFixture(t *testing.T) *content.Model {
	t.Helper()
	path := testutil.WriteEPUB(t, "Translation", []testutil.Chapter{
		{Href: "ch1.xhtml", Body: `<p>First paragraph text here.</p><div id="sec2"><p>Inside the anchored section.</p><p>Second anchored paragraph.</p></div>`},
		{Href: "ch2.xhtml", Body: `<p>Closing chapter words.</p><p>More closing words.</p>`},
	})
	m, err := content.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func ambiguousFixture(t *testing.T) *content.Model {
	t.Helper()
	path := testutil.WriteEPUB(t, "Ambiguous", []testutil.Chapter{
		{Href: "ch1.xhtml", Body: `<p id="dup">One fish.</p><p id="dup">Two fish.</p>`},
	})
	m, err := content.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestGenerateResolveRoundTrip(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	offsets := []int{0, 6, 30, 60, strings.Index(m.Text, "More closing")}
	for _, off := range offsets {
		pos, err := tr.Generate(m, off)
		if err != nil {
			t.Fatalf("Generate(%d): %v", off, err)
		}
		if pos.GlobalOffset != off {
			t.Fatalf("Generate(%d): GlobalOffset = %d", off, pos.GlobalOffset)
		}

		if got, err := locator.ResolveXPath(m, pos.XPath); err != nil || got != off {
			t.Errorf("ResolveXPath(%q) = %d, %v; want %d", pos.XPath, got, err, off)
		}
		if got, err := locator.ResolveCFI(m, pos.CFI); err != nil || got != off {
			t.Errorf("ResolveCFI(%q) = %d, %v; want %d", pos.CFI, got, err, off)
		}
		if got, err := tr.Resolve(m, pos.Locator()); err != nil || got != off {
			t.Errorf("Resolve(locator for %d) = %d, %v", off, got, err)
		}
	}
}

func TestGenerateEmitsDeviceXPathFormat(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	pos, err := tr.Generate(m, 6)
	if err != nil {
		t.Fatal(err)
	}
	if want := "/body/DocFragment[1]/body/p[1]/text().6"; pos.XPath != want {
		t.Errorf("XPath = %q, want %q", pos.XPath, want)
	}
	if want := "epubcfi(/6/2!/4/2/1:6)"; pos.CFI != want {
		t.Errorf("CFI = %q, want %q", pos.CFI, want)
	}
	if want := "body > p:nth-of-type(1)"; pos.Selector != want {
		t.Errorf("Selector = %q, want %q", pos.Selector, want)
	}
	if pos.FragmentID != "" {
		t.Errorf("FragmentID = %q, want empty", pos.FragmentID)
	}
	if pos.SegmentIndex != 1 || pos.Href != m.Segments[0].Href {
		t.Errorf("segment identity = %d/%q", pos.SegmentIndex, pos.Href)
	}
	if want := float64(6) / float64(len(m.Text)); math.Abs(pos.Percentage-want) > 1e-9 {
		t.Errorf("Percentage = %f, want %f", pos.Percentage, want)
	}
}

func TestGenerateUsesIDAnchor(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	off := strings.Index(m.Text, "anchored")
	pos, err := tr.Generate(m, off)
	if err != nil {
		t.Fatal(err)
	}
	if want := `/body/DocFragment[1]//*[@id="sec2"]/p[1]/text().11`; pos.XPath != want {
		t.Errorf("XPath = %q, want %q", pos.XPath, want)
	}
	if want := "epubcfi(/6/2!/4/4[sec2]/2/1:11)"; pos.CFI != want {
		t.Errorf("CFI = %q, want %q", pos.CFI, want)
	}
	if pos.Selector != "#sec2" || pos.FragmentID != "sec2" {
		t.Errorf("selector/fragment = %q/%q", pos.Selector, pos.FragmentID)
	}
	if got, err := locator.ResolveXPath(m, pos.XPath); err != nil || got != off {
		t.Errorf("round trip = %d, %v; want %d", got, err, off)
	}
}

func TestResolveXPathDeepSpinePosition(t *testing.T) {
	m, err := content.Parse(testutil.WriteEPUB(t, "Deep", []testutil.Chapter{
		{Href: "c1.xhtml", Body: "<p>One.</p>"},
		{Href: "c2.xhtml", Body: "<p>Two.</p>"},
		{Href: "c3.xhtml", Body: "<p>Three.</p>"},
		{Href: "c4.xhtml", Body: "<p>Four.</p>"},
		{Href: "c5.xhtml", Body: "<p>Alpha one.</p><p>Beta two.</p><p>Gamma three and more text beyond.</p>"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	const path = "/body/DocFragment[5]/body/p[3]/text().12"
	want := m.Segments[4].Start + len("Alpha one.") + 1 + len("Beta two.") + 1 + 12
	got, err := locator.ResolveXPath(m, path)
	if err != nil || got != want {
		t.Fatalf("ResolveXPath = %d, %v; want %d", got, err, want)
	}

	pos, err := locator.New(locator.Config{}).Generate(m, got)
	if err != nil {
		t.Fatal(err)
	}
	if pos.XPath != path {
		t.Errorf("regenerated XPath = %q, want %q", pos.XPath, path)
	}
}

func TestResolveXPathRejectsAmbiguousSteps(t *testing.T) {
	m := ambiguousFixture(t)

	for _, path := range []string{
		"/body/DocFragment[1]/body/p/text().0",
		`/body/DocFragment[1]//*[@id="dup"]/text().0`,
	} {
		_, err := locator.ResolveXPath(m, path)
		if !errors.Is(err, locator.ErrAmbiguous) {
			t.Errorf("ResolveXPath(%q) = %v, want ErrAmbiguous", path, err)
		}
	}

	// An explicit sibling index is never ambiguous.
	off, err := locator.ResolveXPath(m, "/body/DocFragment[1]/body/p[2]/text().0")
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Two fish."); off != want {
		t.Errorf("p[2] offset = %d, want %d", off, want)
	}
}

func TestResolveXPathUnresolvable(t *testing.T) {
	m := pkgFixture(t)

	for _, path := range []string{
		"/body/DocFragment[9]/body/p[1]/text().0",
		"/body/DocFragment[1]/body/table[1]/text().0",
		"/body/DocFragment[1]/body/p[7]/text().0",
		`/body/DocFragment[1]//*[@id="missing"]/text().0`,
	} {
		_, err := locator.ResolveXPath(m, path)
		if !errors.Is(err, locator.ErrUnresolved) {
			t.Errorf("ResolveXPath(%q) = %v, want ErrUnresolved", path, err)
		}
	}
}

func TestValidateXPath(t *testing.T) {
	for _, path := range []string{
		"",
		"/",
		"/body",
		"/body/DocFragment[1]/body/",
		"/html/body/p[1]/text().0",
	} {
		if err := locator.ValidateXPath(path); err == nil {
			t.Errorf("ValidateXPath(%q) accepted", path)
		}
	}
	if err := locator.ValidateXPath("/body/DocFragment[1]/body/p[1]/text().0"); err != nil {
		t.Errorf("valid path rejected: %v", err)
	}
}

func TestResolveCFIIDAssertionWins(t *testing.T) {
	m := pkgFixture(t)

	// The positional step is nonsense but the id assertion resolves.
	off, err := locator.ResolveCFI(m, "epubcfi(/6/2!/4/99[sec2]/2/1:0)")
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Inside the"); off != want {
		t.Errorf("offset = %d, want %d", off, want)
	}
}

func TestResolveCFIMalformed(t *testing.T) {
	m := pkgFixture(t)
	for _, cfi := range []string{
		"",
		"/6/2!/4/2/1:6",
		"epubcfi(/6/2/4/2/1:6)",
		"epubcfi(/6/3!/4/2/1:6)",
	} {
		if _, err := locator.ResolveCFI(m, cfi); !errors.Is(err, locator.ErrUnresolved) {
			t.Errorf("ResolveCFI(%q) = %v, want ErrUnresolved", cfi, err)
		}
	}
}

func TestResolveHref(t *testing.T) {
	m := pkgFixture(t)

	off, err := locator.ResolveHref(m, m.Segments[1].Href, "")
	if err != nil || off != m.Segments[1].Start {
		t.Fatalf("href-only = %d, %v; want %d", off, err, m.Segments[1].Start)
	}

	off, err = locator.ResolveHref(m, m.Segments[0].Href, "sec2")
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Inside the"); off != want {
		t.Errorf("fragment offset = %d, want %d", off, want)
	}

	if _, err := locator.ResolveHref(m, "nope.xhtml", ""); !errors.Is(err, locator.ErrUnresolved) {
		t.Errorf("unknown href = %v", err)
	}
	dup := ambiguousFixture(t)
	if _, err := locator.ResolveHref(dup, dup.Segments[0].Href, "dup"); !errors.Is(err, locator.ErrAmbiguous) {
		t.Errorf("duplicate id = %v, want ErrAmbiguous", err)
	}
}

func TestResolveSelector(t *testing.T) {
	m := pkgFixture(t)

	off, err := locator.ResolveSelector(m, m.Segments[0].Href, "body > p:nth-of-type(1)")
	if err != nil || off != 0 {
		t.Fatalf("positional selector = %d, %v", off, err)
	}

	off, err = locator.ResolveSelector(m, m.Segments[0].Href, "#sec2")
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Inside the"); off != want {
		t.Errorf("#sec2 = %d, want %d", off, want)
	}

	dup := ambiguousFixture(t)
	if _, err := locator.ResolveSelector(dup, dup.Segments[0].Href, "body > p"); !errors.Is(err, locator.ErrAmbiguous) {
		t.Errorf("bare tag selector = %v, want ErrAmbiguous", err)
	}
	if _, err := locator.ResolveSelector(dup, dup.Segments[0].Href, "#dup"); !errors.Is(err, locator.ErrAmbiguous) {
		t.Errorf("duplicate id selector = %v, want ErrAmbiguous", err)
	}
}

func TestResolveFallbackOrder(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	// A resolvable XPath wins over everything else.
	off, err := tr.Resolve(m, types.Locator{
		XPath:      "/body/DocFragment[1]/body/p[1]/text().6",
		Percentage: 0.9,
	})
	if err != nil || off != 6 {
		t.Fatalf("xpath preferred = %d, %v", off, err)
	}

	// A stale XPath degrades to the next format rather than erroring.
	off, err = tr.Resolve(m, types.Locator{
		XPath:      "/body/DocFragment[1]/body/table[1]/text().0",
		Href:       m.Segments[1].Href,
		Percentage: 0.1,
	})
	if err != nil || off != m.Segments[1].Start {
		t.Fatalf("href fallback = %d, %v; want %d", off, err, m.Segments[1].Start)
	}

	// Nothing structural left: the raw percentage carries the position.
	off, err = tr.Resolve(m, types.Locator{Percentage: 0.5})
	if err != nil || off != m.OffsetForPercentage(0.5) {
		t.Fatalf("percentage fallback = %d, %v", off, err)
	}

	if _, err := tr.Resolve(m, types.Locator{Percentage: 1.5}); err == nil {
		t.Error("out-of-range percentage accepted")
	}
}

func TestResolveAmbiguityAborts(t *testing.T) {
	m := ambiguousFixture(t)
	tr := locator.New(locator.Config{})

	// Ambiguity never falls through to the percentage: silently landing on
	// the wrong occurrence is worse than failing.
	_, err := tr.Resolve(m, types.Locator{
		XPath:      "/body/DocFragment[1]/body/p/text().0",
		Percentage: 0.5,
	})
	if !errors.Is(err, locator.ErrAmbiguous) {
		t.Fatalf("Resolve = %v, want ErrAmbiguous", err)
	}
}

func TestResolveStructuralRequiresFormat(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	if _, err := tr.ResolveStructural(m, types.Locator{Percentage: 0.5}); !errors.Is(err, locator.ErrUnresolved) {
		t.Fatalf("percentage-only = %v, want ErrUnresolved", err)
	}
	off, err := tr.ResolveStructural(m, types.Locator{CFI: "epubcfi(/6/2!/4/2/1:6)"})
	if err != nil || off != 6 {
		t.Fatalf("cfi = %d, %v", off, err)
	}
}

func TestGenerateClampsOffset(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	pos, err := tr.Generate(m, -5)
	if err != nil || pos.GlobalOffset != 0 {
		t.Fatalf("negative offset = %+v, %v", pos, err)
	}
	pos, err = tr.Generate(m, len(m.Text)+100)
	if err != nil {
		t.Fatal(err)
	}
	if pos.SegmentIndex != 2 || pos.GlobalOffset < m.Segments[1].Start {
		t.Errorf("past-end offset landed at %d (segment %d)", pos.GlobalOffset, pos.SegmentIndex)
	}
}

func TestGenerateForPercentage(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	pos, err := tr.GenerateForPercentage(m, 0)
	if err != nil || pos.GlobalOffset != 0 {
		t.Fatalf("pct 0 = %+v, %v", pos, err)
	}
	pos, err = tr.GenerateForPercentage(m, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(pos.Percentage-0.5) > 0.05 {
		t.Errorf("pct 0.5 regenerated as %f", pos.Percentage)
	}
}

func TestWindow(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{WindowSize: 10})

	if got := tr.Window(m, 0); got != m.Text[:10] {
		t.Errorf("start window = %q", got)
	}
	if got := tr.Window(m, len(m.Text)); got != m.Text[len(m.Text)-10:] {
		t.Errorf("end window = %q", got)
	}
	center := len(m.Text) / 2
	if got := tr.Window(m, center); len(got) != 10 || !strings.Contains(m.Text, got) {
		t.Errorf("center window = %q", got)
	}

	wide := locator.New(locator.Config{WindowSize: 100000})
	if got := wide.Window(m, 0); got != m.Text {
		t.Errorf("oversized window = %q", got)
	}
}

func TestAnchorExactMatch(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	pos, err := tr.Anchor(m, "Second anchored paragraph.", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Second anchored"); pos.GlobalOffset != want {
		t.Errorf("GlobalOffset = %d, want %d", pos.GlobalOffset, want)
	}
	if pos.XPath == "" || pos.CFI == "" {
		t.Error("anchor did not produce a full locator set")
	}
}

func TestAnchorHintPicksNearestOccurrence(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	first := strings.Index(m.Text, "anchored")
	second := strings.LastIndex(m.Text, "anchored")
	if first == second {
		t.Fatal("fixture needs two occurrences")
	}

	pos, err := tr.Anchor(m, "anchored", 0)
	if err != nil || pos.GlobalOffset != first {
		t.Fatalf("low hint = %d, %v; want %d", pos.GlobalOffset, err, first)
	}
	pos, err = tr.Anchor(m, "anchored", 1)
	if err != nil || pos.GlobalOffset != second {
		t.Fatalf("high hint = %d, %v; want %d", pos.GlobalOffset, err, second)
	}
}

func TestAnchorNormalizedMatch(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	// Case and punctuation differences are absorbed by the normalized tier.
	pos, err := tr.Anchor(m, "second ANCHORED paragraph", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(m.Text, "Second anchored"); pos.GlobalOffset != want {
		t.Errorf("GlobalOffset = %d, want %d", pos.GlobalOffset, want)
	}
}

func TestAnchorRejectsBelowCutoff(t *testing.T) {
	m := pkgFixture(t)
	tr := locator.New(locator.Config{})

	if _, err := tr.Anchor(m, "qqq www zzz xxx yyy vvv", 0.5); !errors.Is(err, locator.ErrUnresolved) {
		t.Fatalf("unrelated text = %v, want ErrUnresolved", err)
	}
	if _, err := tr.Anchor(m, "   ", 0.5); !errors.Is(err, locator.ErrUnresolved) {
		t.Fatalf("blank text = %v, want ErrUnresolved", err)
	}
}

func TestFindAnchorNearestToHint(t *testing.T) {
	hay := "alpha target bravo target charlie"

	off, err := locator.FindAnchor(hay, "target", 0, 80)
	if err != nil || off != strings.Index(hay, "target") {
		t.Fatalf("low hint = %d, %v", off, err)
	}
	off, err = locator.FindAnchor(hay, "target", len(hay), 80)
	if err != nil || off != strings.LastIndex(hay, "target") {
		t.Fatalf("high hint = %d, %v", off, err)
	}
}

func TestFindAnchorNormalizedProjection(t *testing.T) {
	hay := "Intro words. The CAFÉ, door opened."

	off, err := locator.FindAnchor(hay, "the cafe door", 0, 80)
	if err != nil {
		t.Fatal(err)
	}
	if want := strings.Index(hay, "The"); off != want {
		t.Errorf("projected offset = %d, want %d", off, want)
	}
}

func TestFindAnchorFuzzyTier(t *testing.T) {
	hay := "the quick brown fox jumps over the lazy dog while rain falls on the quiet town"

	off, err := locator.FindAnchor(hay, "quick brwn fox jums", 0, 70)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Index(hay, "quick")
	if diff := off - want; diff < -12 || diff > 12 {
		t.Errorf("fuzzy offset = %d, want near %d", off, want)
	}
}

func TestTranslatorDefaults(t *testing.T) {
	tr := locator.New(locator.Config{})
	if tr.FuzzyCutoff() != locator.DefaultFuzzyCutoff {
		t.Errorf("FuzzyCutoff = %d", tr.FuzzyCutoff())
	}
}
