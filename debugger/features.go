package debugger

import (
	"regexp"
	"sort"
	"strings"
)

// errorFamilies are the recognized error-pattern families, one-hot encoded
// into the feature vector. Order is part of the trained model contract.
var errorFamilies = []string{
	"modulenotfounderror", "importerror", "syntaxerror", "typeerror",
	"valueerror", "keyerror", "indexerror", "attributeerror",
	"nameerror", "assertionerror", "permissionerror", "oserror",
	"connectionerror", "timeouterror", "memoryerror", "npm err",
	"cannot find module", "eacces", "enoent", "segmentation fault",
}

var (
	webLibraries     = []string{"django", "flask", "fastapi", "express", "react", "angular", "vue", "spring", "rails"}
	dataLibraries    = []string{"pandas", "numpy", "scipy", "sklearn", "tensorflow", "torch", "keras", "matplotlib"}
	devopsLibraries  = []string{"docker", "kubernetes", "terraform", "ansible", "helm", "jenkins", "github actions"}
	errorWordPattern = regexp.MustCompile(`(?i)\b(error|err)\b`)
	framePattern     = regexp.MustCompile(`(?m)^\s+(at |File ")`)
	lineColPattern   = regexp.MustCompile(`(?i)line \d+|:\d+:\d+`)
	declPattern      = regexp.MustCompile(`(?m)\b(def |func |function |class |var |let |const )`)
	assignPattern    = regexp.MustCompile(`(?m)^[^=<>!\n]+=[^=]`)
)

// Extractor turns a PipelineError into a dense numeric feature vector. The
// trigram vocabulary is fitted once during training and applied identically
// at inference; the total column count is fixed once fitted. Exported
// fields so the fitted state serializes with the trained model.
type Extractor struct {
	Vocabulary map[string]int
	MaxVocab   int
}

// NewExtractor returns an unfitted extractor with a bounded vocabulary.
func NewExtractor(maxVocab int) *Extractor {
	if maxVocab <= 0 {
		maxVocab = 500
	}
	return &Extractor{MaxVocab: maxVocab}
}

// Fit builds the trigram vocabulary from training messages: the MaxVocab
// most frequent trigrams, ties broken lexicographically so fitting is
// deterministic.
func (x *Extractor) Fit(messages []string) {
	counts := make(map[string]int)
	for _, msg := range messages {
		for _, tri := range trigrams(msg) {
			counts[tri]++
		}
	}
	type entry struct {
		tri   string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for tri, c := range counts {
		entries = append(entries, entry{tri, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].tri < entries[j].tri
	})
	if len(entries) > x.MaxVocab {
		entries = entries[:x.MaxVocab]
	}
	x.Vocabulary = make(map[string]int, len(entries))
	for i, e := range entries {
		x.Vocabulary[e.tri] = i
	}
}

// Fitted reports whether the vocabulary has been built.
func (x *Extractor) Fitted() bool { return x.Vocabulary != nil }

// FeatureCount is the fixed width of every vector this extractor emits.
func (x *Extractor) FeatureCount() int {
	return len(x.Vocabulary) + x.fixedFeatureCount()
}

func (x *Extractor) fixedFeatureCount() int {
	// structural(4) + boolean/count(8) + families(20) + libraries(3) + context(5)
	return 4 + 8 + len(errorFamilies) + 3 + 5
}

// Transform produces the dense feature vector for err. Missing fields
// contribute zero components.
func (x *Extractor) Transform(err *PipelineError) []float64 {
	vec := make([]float64, x.FeatureCount())
	msg := err.Message
	lower := strings.ToLower(msg)

	// Bag of trigrams against the fitted vocabulary.
	for _, tri := range trigrams(msg) {
		if col, ok := x.Vocabulary[tri]; ok {
			vec[col]++
		}
	}
	off := len(x.Vocabulary)

	// Structural features.
	lines := strings.Split(msg, "\n")
	vec[off] = float64(len(msg))
	vec[off+1] = float64(len(lines))
	var total, max int
	for _, l := range lines {
		total += len(l)
		if len(l) > max {
			max = len(l)
		}
	}
	if len(lines) > 0 {
		vec[off+2] = float64(total) / float64(len(lines))
	}
	vec[off+3] = float64(max)
	off += 4

	// Boolean and count features.
	vec[off] = boolFeature(strings.Contains(lower, "error"))
	vec[off+1] = boolFeature(strings.Contains(lower, "warning"))
	vec[off+2] = boolFeature(strings.Contains(lower, "exception"))
	vec[off+3] = boolFeature(strings.Contains(lower, "failed"))
	vec[off+4] = float64(len(errorWordPattern.FindAllString(msg, -1)))
	stack := err.StackTrace
	vec[off+5] = boolFeature(stack != "")
	vec[off+6] = float64(len(framePattern.FindAllString(stack, -1)))
	vec[off+7] = boolFeature(lineColPattern.MatchString(msg))
	off += 8

	// One-hot over recognized error-pattern families.
	for i, family := range errorFamilies {
		vec[off+i] = boolFeature(strings.Contains(lower, family))
	}
	off += len(errorFamilies)

	// Library-family flags.
	vec[off] = boolFeature(containsAny(lower, webLibraries...))
	vec[off+1] = boolFeature(containsAny(lower, dataLibraries...))
	vec[off+2] = boolFeature(containsAny(lower, devopsLibraries...))
	off += 3

	// Context features.
	vec[off] = boolFeature(err.LineNumber() >= 0)
	surrounding := err.SurroundingContext()
	vec[off+1] = float64(len(surrounding))
	if surrounding != "" {
		vec[off+2] = float64(len(strings.Split(surrounding, "\n")))
	}
	vec[off+3] = boolFeature(declPattern.MatchString(surrounding))
	vec[off+4] = boolFeature(assignPattern.MatchString(surrounding))

	return vec
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// trigrams lowercases and emits overlapping character trigrams; whitespace
// runs collapse to single spaces so formatting does not shift the bag.
func trigrams(s string) []string {
	normalized := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if len(normalized) < 3 {
		return nil
	}
	out := make([]string, 0, len(normalized)-2)
	for i := 0; i+3 <= len(normalized); i++ {
		out = append(out, normalized[i:i+3])
	}
	return out
}
