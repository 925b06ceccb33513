// Package forensic derives per-recipient steganographic fingerprints of a
// document's text and attributes leaked copies back to a recipient. All marker
// placement is a deterministic function of the fingerprint hash, so a stored
// record is enough to re-derive and score every pattern.
package forensic

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const (
	StoreFile = "sdc-fingerprints.json"

	// Attribution below this score is reported as no confident match.
	MatchThreshold = 0.2

	whitespaceCutoff = 180
	homoglyphCutoff  = 216
	maxSpacingPt     = 0.03
)

var ErrNotFound = errors.New("forensic: no fingerprints for document")

// zeroWidthRunes are the five marker code points selected by nibble mod 5:
// zero width space, non-joiner, joiner, word joiner, and BOM.
var zeroWidthRunes = []rune{'\u200b', '\u200c', '\u200d', '\u2060', '\ufeff'}

// spaceVariants are visually near-identical Unicode space characters:
// three-per-em, four-per-em, six-per-em, punctuation, and thin space.
var spaceVariants = []rune{'\u2004', '\u2005', '\u2006', '\u2008', '\u2009'}

// homoglyphs maps Latin characters to Cyrillic look-alikes.
var homoglyphs = map[rune]rune{
	'a': 'а', 'c': 'с', 'e': 'е', 'i': 'і', 'o': 'о', 'p': 'р', 's': 'ѕ', 'x': 'х', 'y': 'у',
	'A': 'А', 'B': 'В', 'C': 'С', 'E': 'Е', 'H': 'Н', 'K': 'К', 'M': 'М', 'O': 'О', 'P': 'Р', 'T': 'Т', 'X': 'Х',
}

// Recipient identifies the party a marked copy is produced for.
type Recipient struct {
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	TokenID      string `json:"tokenId,omitempty"`
}

// Substitution records one character replacement at a rune position in the
// marked text.
type Substitution struct {
	Position    int    `json:"position"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// ZeroWidthProfile records where markers were inserted and the hash prefix
// they encode.
type ZeroWidthProfile struct {
	Positions   []int  `json:"positions"`
	EncodedHash string `json:"encodedHash"`
}

// DetectionProfile is everything needed to score a leaked sample.
type DetectionProfile struct {
	ZeroWidth      ZeroWidthProfile `json:"zeroWidth"`
	SpacingPattern []float64        `json:"spacingPattern"`
	Whitespace     []Substitution   `json:"whitespace"`
	Homoglyphs     []Substitution   `json:"homoglyphs"`
}

// Record is one persisted fingerprint.
type Record struct {
	FingerprintID         string           `json:"fingerprintId"`
	DocumentID            string           `json:"documentId"`
	DocumentTitle         string           `json:"documentTitle,omitempty"`
	Recipient             Recipient        `json:"recipient"`
	FingerprintHash       string           `json:"fingerprintHash"`
	Profile               DetectionProfile `json:"profile"`
	VerificationSignature string           `json:"verificationSignature"`
	CreatedAt             time.Time        `json:"createdAt"`
}

// FingerprintParams parameterizes marking.
type FingerprintParams struct {
	DocumentID    string
	DocumentTitle string
	Text          string
	Recipient     Recipient
}

// Counts summarizes how many markers of each kind were applied.
type Counts struct {
	ZeroWidth  int `json:"zeroWidth"`
	Spacing    int `json:"spacing"`
	Whitespace int `json:"whitespace"`
	Homoglyphs int `json:"homoglyphs"`
}

// FingerprintResult is the marking payload returned to the caller.
type FingerprintResult struct {
	FingerprintID         string           `json:"fingerprintId"`
	FingerprintHash       string           `json:"fingerprintHash"`
	Text                  string           `json:"text"`
	SpacingCSS            string           `json:"spacingCss"`
	Profile               DetectionProfile `json:"profile"`
	Counts                Counts           `json:"counts"`
	VerificationSignature string           `json:"verificationSignature"`
}

// MatchResult is the attribution verdict for one leaked sample.
type MatchResult struct {
	Matched        bool               `json:"matched"`
	RecipientEmail string             `json:"recipientEmail,omitempty"`
	FingerprintID  string             `json:"fingerprintId,omitempty"`
	Score          float64            `json:"score"`
	Breakdown      map[string]float64 `json:"breakdown,omitempty"`
	Message        string             `json:"message"`
}

type fingerprintState struct {
	Records     []Record  `json:"records"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Engine owns the fingerprint store.
type Engine struct {
	mu    sync.RWMutex
	file  *store.File
	state fingerprintState
	clock func() time.Time
}

// NewEngine loads or creates the fingerprint store under dataDir.
func NewEngine(dataDir string) (*Engine, error) {
	e := &Engine{
		file:  store.NewFile(dataDir, StoreFile),
		clock: time.Now,
	}
	if _, err := e.file.Load(&e.state); err != nil {
		return nil, err
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Fingerprint marks the text for one recipient. The record is persisted
// before the marked text is returned, so attribution works even when the
// caller never finalizes delivery.
func (e *Engine) Fingerprint(params FingerprintParams) (*FingerprintResult, error) {
	if params.DocumentID == "" || params.Recipient.Email == "" {
		return nil, fmt.Errorf("forensic: documentId and recipient email are required")
	}
	if params.Text == "" {
		return nil, fmt.Errorf("forensic: text is empty")
	}

	fpID, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	fpHash := canonicalize.HashString("forensic:" + params.Recipient.Email + ":" + params.DocumentID + ":" + fpID)

	text := params.Text
	profile := DetectionProfile{}

	// Zero-width markers go in first so the substitution positions recorded
	// below are coordinates in the final marked text.
	text, profile.ZeroWidth = applyZeroWidth(text, fpHash)
	text, profile.Homoglyphs = applyHomoglyphs(text, fpHash)
	text, profile.Whitespace = applyWhitespaceVariants(text, fpHash)
	css, pattern := spacingPattern(params.Text, fpHash)
	profile.SpacingPattern = pattern

	counts := Counts{
		ZeroWidth:  len(profile.ZeroWidth.Positions),
		Spacing:    len(pattern),
		Whitespace: len(profile.Whitespace),
		Homoglyphs: len(profile.Homoglyphs),
	}
	summary := fmt.Sprintf("zw:%d|sp:%d|ws:%d|hg:%d", counts.ZeroWidth, counts.Spacing, counts.Whitespace, counts.Homoglyphs)
	verification := crypto.HMAC256(fpHash, summary)

	rec := Record{
		FingerprintID:         fpID,
		DocumentID:            params.DocumentID,
		DocumentTitle:         params.DocumentTitle,
		Recipient:             params.Recipient,
		FingerprintHash:       fpHash,
		Profile:               profile,
		VerificationSignature: verification,
		CreatedAt:             e.clock().UTC(),
	}

	e.mu.Lock()
	e.state.Records = append(e.state.Records, rec)
	e.state.LastUpdated = rec.CreatedAt
	err = e.file.Write(&e.state)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &FingerprintResult{
		FingerprintID:         fpID,
		FingerprintHash:       fpHash,
		Text:                  text,
		SpacingCSS:            css,
		Profile:               profile,
		Counts:                counts,
		VerificationSignature: verification,
	}, nil
}

// RecordsForDocument returns all fingerprints registered for a document.
func (e *Engine) RecordsForDocument(documentID string) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Record
	for _, r := range e.state.Records {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out
}

// IdentifySource scores a leaked sample against every fingerprint registered
// for the document and returns the best match above the confidence floor.
func (e *Engine) IdentifySource(documentID, leakedText string) (*MatchResult, error) {
	records := e.RecordsForDocument(documentID)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}

	best := MatchResult{Message: "no confident match"}
	for _, rec := range records {
		breakdown := map[string]float64{
			"zeroWidth":  scoreZeroWidth(leakedText, rec.Profile.ZeroWidth),
			"homoglyphs": scoreSubstitutions(leakedText, rec.Profile.Homoglyphs),
			"whitespace": scoreSubstitutions(leakedText, rec.Profile.Whitespace),
			"spacing":    scoreSpacing(leakedText, rec.Profile.SpacingPattern),
		}
		// Integer weights keep a full agreement at exactly 1.0.
		score := (40*breakdown["zeroWidth"] +
			30*breakdown["homoglyphs"] +
			20*breakdown["whitespace"] +
			10*breakdown["spacing"]) / 100
		if score > best.Score {
			best = MatchResult{
				Score:          score,
				Breakdown:      breakdown,
				RecipientEmail: rec.Recipient.Email,
				FingerprintID:  rec.FingerprintID,
				Message:        "no confident match",
			}
		}
	}
	if best.Score >= MatchThreshold {
		best.Matched = true
		best.Message = fmt.Sprintf("attributed to %s with score %.2f", best.RecipientEmail, best.Score)
	} else {
		best.RecipientEmail = ""
		best.FingerprintID = ""
	}
	return &best, nil
}

// hashByte draws a deterministic byte for one (label, index) pair.
func hashByte(seed, label string, i int) byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", seed, label, i)))
	return sum[0]
}

// expectedZeroWidth decodes the hash prefix into the marker rune sequence.
func expectedZeroWidth(encodedHash string) []rune {
	out := make([]rune, 0, len(encodedHash))
	for _, c := range encodedHash {
		out = append(out, zeroWidthRunes[int(nibble(c))%len(zeroWidthRunes)])
	}
	return out
}

func nibble(c rune) byte {
	switch {
	case c >= '0' && c <= '9':
		return byte(c - '0')
	case c >= 'a' && c <= 'f':
		return byte(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return byte(c-'A') + 10
	}
	return 0
}

// applyZeroWidth inserts one marker rune per hash nibble at evenly spaced
// word boundaries.
func applyZeroWidth(text, fpHash string) (string, ZeroWidthProfile) {
	encoded := fpHash
	if len(encoded) > 32 {
		encoded = encoded[:32]
	}
	markers := expectedZeroWidth(encoded)
	runes := []rune(text)

	var boundaries []int
	for i := 1; i < len(runes); i++ {
		if isWordRune(runes[i-1]) && !isWordRune(runes[i]) {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) == 0 {
		boundaries = []int{len(runes)}
	}

	step := len(boundaries) / len(markers)
	if step < 1 {
		step = 1
	}

	var out []rune
	var positions []int
	next := 0
	bi := 0
	for i, r := range runes {
		if next < len(markers) && bi < len(boundaries) && i == boundaries[bi] {
			if bi%step == 0 || len(boundaries) < len(markers) {
				positions = append(positions, len(out))
				out = append(out, markers[next])
				next++
			}
			bi++
		}
		out = append(out, r)
	}
	// Whatever did not fit at a boundary trails the text.
	for next < len(markers) {
		positions = append(positions, len(out))
		out = append(out, markers[next])
		next++
	}
	return string(out), ZeroWidthProfile{Positions: positions, EncodedHash: encoded}
}

// spacingPattern derives a per-word letter-spacing deviation and the CSS that
// carries it.
func spacingPattern(text, fpHash string) (string, []float64) {
	words := strings.Fields(text)
	pattern := make([]float64, 0, len(words))
	var css strings.Builder
	for i := range words {
		b := hashByte(fpHash, "spacing", i)
		deviation := (float64(b)/255.0 - 0.5) * 2 * maxSpacingPt
		pattern = append(pattern, deviation)
		fmt.Fprintf(&css, ".fpw-%d { letter-spacing: %+.4fpt; }\n", i, deviation)
	}
	return css.String(), pattern
}

// applyWhitespaceVariants substitutes roughly 30% of spaces with visually
// identical Unicode variants.
func applyWhitespaceVariants(text, fpHash string) (string, []Substitution) {
	runes := []rune(text)
	var subs []Substitution
	spaceIdx := 0
	for i, r := range runes {
		if r != ' ' {
			continue
		}
		b := hashByte(fpHash, "whitespace", spaceIdx)
		spaceIdx++
		if b <= whitespaceCutoff {
			continue
		}
		variant := spaceVariants[int(b)%len(spaceVariants)]
		runes[i] = variant
		subs = append(subs, Substitution{Position: i, Original: " ", Replacement: string(variant)})
	}
	return string(runes), subs
}

// applyHomoglyphs substitutes roughly 15% of eligible characters with
// Cyrillic look-alikes.
func applyHomoglyphs(text, fpHash string) (string, []Substitution) {
	runes := []rune(text)
	var subs []Substitution
	eligibleIdx := 0
	for i, r := range runes {
		glyph, ok := homoglyphs[r]
		if !ok {
			continue
		}
		b := hashByte(fpHash, "homoglyph", eligibleIdx)
		eligibleIdx++
		if b <= homoglyphCutoff {
			continue
		}
		runes[i] = glyph
		subs = append(subs, Substitution{Position: i, Original: string(r), Replacement: string(glyph)})
	}
	return string(runes), subs
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// scoreZeroWidth extracts the zero-width runes from the sample and compares
// them to the recorded encoding. An exact sequence match scores 1.0.
func scoreZeroWidth(leaked string, profile ZeroWidthProfile) float64 {
	expected := expectedZeroWidth(profile.EncodedHash)
	if len(expected) == 0 {
		return 0
	}
	var found []rune
	for _, r := range leaked {
		for _, zw := range zeroWidthRunes {
			if r == zw {
				found = append(found, r)
				break
			}
		}
	}
	if string(found) == string(expected) {
		return 1.0
	}
	agree := 0
	for i := 0; i < len(found) && i < len(expected); i++ {
		if found[i] == expected[i] {
			agree++
		}
	}
	return float64(agree) / float64(len(expected))
}

// scoreSubstitutions counts recorded replacements still present at their
// positions in the sample. A record with no substitutions has nothing to
// contradict and scores full.
func scoreSubstitutions(leaked string, subs []Substitution) float64 {
	if len(subs) == 0 {
		return 1
	}
	runes := []rune(leaked)
	matched := 0
	for _, sub := range subs {
		if sub.Position < len(runes) && string(runes[sub.Position]) == sub.Replacement {
			matched++
			continue
		}
		// Stripped zero-width markers shift every later position; fall back
		// to a presence check.
		if strings.ContainsRune(leaked, []rune(sub.Replacement)[0]) {
			matched++
		}
	}
	return float64(matched) / float64(len(subs))
}

// scoreSpacing checks the letter-spacing CSS when the sample carries it. The
// CSS is delivered out of band and never survives plain-text extraction, so a
// sample with no markup at all is consistent with the recorded pattern and
// scores full; only present-but-foreign markup loses credit.
func scoreSpacing(leaked string, pattern []float64) float64 {
	if strings.Contains(leaked, "letter-spacing") {
		for i, dev := range pattern {
			rule := fmt.Sprintf(".fpw-%d { letter-spacing: %+.4fpt; }", i, dev)
			if strings.Contains(leaked, rule) {
				return 1.0
			}
		}
		return 0
	}
	if strings.Contains(leaked, "fpw-") {
		return 0.5
	}
	return 1.0
}
