package pbfile

import (
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Tile ist der abgeleitete, flache Katalog-Datensatz zu einer geparsten PB-Datei.
// Alle Ableitungen sind fehlertolerant: fehlende oder unbrauchbare optionale Felder
// führen zu deterministischen Defaults, nie zu einem Fehler.
type Tile struct {
	FileName    string
	Title       string
	WebpageName string

	Country  string
	Unit     string
	Instance string
	Subunit  string

	Description string
	Currency    string
	Language    string
	Edition     string
	RuleRaw     string
	VoteType    string

	NumVotes            int
	NumProjects         int
	NumSelectedProjects *int
	Budget              *int64
	VoteLength          *float64
	Year                *int

	FullyFunded    bool
	HasSelectedCol bool
	Experimental   bool
	Quality        float64

	// k-Bounds-Label der Abstimmungsregel, z.B. "k=5" oder "2≤k≤10".
	VoteRuleLabel string
	Knapsack      bool

	HasGeo      bool
	HasCategory bool
	HasTarget   bool

	Comments []string

	// Token-Sammlungen: Counts je normalisiertem Token (kleingeschrieben),
	// Display hält die zuerst gesehene Schreibweise.
	CategoryCounts  map[string]int
	CategoryDisplay map[string]string
	TargetCounts    map[string]int
	TargetDisplay   map[string]string
}

var yearRe = regexp.MustCompile(`(\d{4})`)

// DeriveTile berechnet alle abgeleiteten Skalare aus einem Parse-Ergebnis.
func DeriveTile(raw *Raw, fileName string) *Tile {
	id := IdentityFromMeta(raw.Meta)
	webpageName := id.WebpageName()

	title := strings.ReplaceAll(webpageName, "_", " ")
	if title == "" {
		stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
		title = strings.ReplaceAll(stem, "_", " ")
	}

	t := &Tile{
		FileName:    filepath.Base(fileName),
		Title:       title,
		WebpageName: webpageName,
		Country:     id.Country,
		Unit:        id.Unit,
		Instance:    id.Instance,
		Subunit:     id.Subunit,
		Description: raw.Meta["description"],
		Currency:    raw.Meta["currency"],
		Language:    strings.TrimSpace(raw.Meta["language"]),
		Edition:     strings.TrimSpace(raw.Meta["edition"]),
		RuleRaw:     strings.TrimSpace(raw.Meta["rule"]),
		VoteType:    strings.ToLower(resolveAlias(raw.Meta, "vote_type", "rule")),
		Comments:    ExtractComments(raw.Meta["comment"]),
	}

	t.NumVotes = intOrDefault(raw.Meta["num_votes"], len(raw.Votes))
	t.NumProjects = intOrDefault(raw.Meta["num_projects"], len(raw.Projects))
	t.Budget = parseBudget(raw.Meta["budget"])
	t.VoteLength = averageVoteLength(raw.Votes)
	t.Year = detectYear(raw.Meta, id.Instance)
	t.Experimental = isTruthy(raw.Meta["experimental"])

	t.FullyFunded, t.NumSelectedProjects, t.HasSelectedCol = fundingStatus(raw.Projects, t.Budget)
	t.Quality = qualityScore(t.VoteLength, t.NumProjects, t.NumVotes)
	t.VoteRuleLabel, t.Knapsack = voteRuleLabel(raw.Meta, t.VoteType, id.Subunit)

	deriveFacets(raw.Projects, t)
	return t
}

// qualityScore ist die Ranking-Heuristik: vote_length² · num_projects · sqrt(num_votes).
func qualityScore(voteLength *float64, numProjects, numVotes int) float64 {
	vlen := 0.0
	if voteLength != nil {
		vlen = *voteLength
	}
	return vlen * vlen * float64(numProjects) * math.Sqrt(float64(numVotes))
}

// averageVoteLength mittelt die Anzahl nicht-leerer Selektionen im 'vote'-Feld
// über alle Wähler mit mindestens einer Selektion.
func averageVoteLength(votes map[string]map[string]string) *float64 {
	var lengths []int
	for _, v := range votes {
		sel := strings.TrimSpace(v["vote"])
		if sel == "" {
			continue
		}
		n := 0
		for _, tok := range strings.Split(sel, ",") {
			if tok != "" {
				n++
			}
		}
		lengths = append(lengths, n)
	}
	if len(lengths) == 0 {
		return nil
	}
	sum := 0
	for _, l := range lengths {
		sum += l
	}
	avg := float64(sum) / float64(len(lengths))
	return &avg
}

// fundingStatus liefert die Fully-Funded-Heuristik: entweder sind alle Projekte
// selected, oder die Summe der Kosten der selektierten Projekte erreicht das Budget.
// Nicht parsbare Kosten werden übersprungen.
func fundingStatus(projects map[string]map[string]string, budget *int64) (fullyFunded bool, selectedCount *int, hasSelectedCol bool) {
	count := 0
	var sumSelectedCost int64
	allSelected := len(projects) > 0
	for _, p := range projects {
		if _, ok := p["selected"]; ok {
			hasSelectedCol = true
		}
		sel := strings.TrimSpace(p["selected"])
		if sel != "1" {
			allSelected = false
			continue
		}
		count++
		if c, ok := parseCost(p["cost"]); ok {
			sumSelectedCost += c
		}
	}
	fullyFunded = allSelected || (budget != nil && sumSelectedCost >= *budget)
	if !hasSelectedCol {
		return fullyFunded, nil, false
	}
	return fullyFunded, &count, true
}

// detectYear bevorzugt ein 4-stelliges Jahr aus date_begin, dann meta["year"],
// dann instance, jeweils nur im Bereich [1900, 2100].
func detectYear(meta map[string]string, instance string) *int {
	if dateBegin := strings.TrimSpace(meta["date_begin"]); dateBegin != "" {
		if m := yearRe.FindString(dateBegin); m != "" {
			if y, err := strconv.Atoi(m); err == nil && y >= 1900 && y <= 2100 {
				return &y
			}
		}
	}
	for _, cand := range []string{meta["year"], instance} {
		s := strings.TrimSpace(cand)
		if !isDigits(s) {
			continue
		}
		if y, err := strconv.Atoi(s); err == nil && y >= 1900 && y <= 2100 {
			return &y
		}
	}
	return nil
}

// isDigits akzeptiert nur reine Ziffernfolgen, kein Vorzeichen.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// voteRuleLabel normalisiert die Ballot-Constraints zu einem kompakten Display-Label.
// Untergrenze 1 gilt als trivial und entfällt; min==max kollabiert zu "k=n".
// Approval-Ballots mit Knapsack-Constraints unterdrücken das Label komplett.
func voteRuleLabel(meta map[string]string, voteType, subunit string) (string, bool) {
	unit := "k"
	minKey, maxKey := "min_length", "max_length"
	if voteType == "cumulative" {
		unit = "pts"
		minKey, maxKey = "min_sum_points", "max_sum_points"
	}

	if voteType == "approval" {
		knapsack := strings.Contains(strings.ToLower(subunit), "knapsack")
		for _, k := range []string{"max_sum_cost", "max_sum_cost_per_category", "max_total_cost"} {
			if strings.TrimSpace(meta[k]) != "" {
				knapsack = true
			}
		}
		if knapsack {
			return "", true
		}
	}

	minVal, hasMin := parseBound(meta[minKey])
	maxVal, hasMax := parseBound(meta[maxKey])
	if hasMin && minVal == 1 {
		// triviale Untergrenze
		hasMin = false
	}

	switch {
	case hasMin && hasMax && minVal == maxVal:
		return unit + "=" + strconv.Itoa(maxVal), false
	case hasMin && hasMax:
		return strconv.Itoa(minVal) + "≤" + unit + "≤" + strconv.Itoa(maxVal), false
	case hasMin:
		return strconv.Itoa(minVal) + "≤" + unit, false
	case hasMax:
		return unit + "≤" + strconv.Itoa(maxVal), false
	default:
		return "Any " + unit, false
	}
}

// deriveFacets scannt alle Projektzeilen nach Geo-Koordinaten und sammelt
// Kategorie-/Target-Tokens mit Vorkommens-Zählung.
func deriveFacets(projects map[string]map[string]string, t *Tile) {
	t.CategoryCounts = map[string]int{}
	t.CategoryDisplay = map[string]string{}
	t.TargetCounts = map[string]int{}
	t.TargetDisplay = map[string]string{}

	for _, p := range projects {
		lower := map[string]string{}
		for k, v := range p {
			lower[strings.ToLower(strings.TrimSpace(k))] = v
		}

		lat, latOK := firstFloat(lower, "latitude", "lat")
		lon, lonOK := firstFloat(lower, "longitude", "lon", "long")
		if latOK && lonOK && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
			t.HasGeo = true
		}

		for _, ck := range []string{"category", "categories"} {
			if val, ok := lower[ck]; ok {
				collectTokens(val, t.CategoryCounts, t.CategoryDisplay)
			}
		}
		for _, tk := range []string{"target", "targets"} {
			if val, ok := lower[tk]; ok {
				collectTokens(val, t.TargetCounts, t.TargetDisplay)
			}
		}
	}
	t.HasCategory = len(t.CategoryCounts) > 0
	t.HasTarget = len(t.TargetCounts) > 0
}

// collectTokens splittet einen kommaseparierten Wert und akkumuliert Counts je
// normalisiertem Token; Display behält die zuerst gesehene Schreibweise.
func collectTokens(val string, counts map[string]int, display map[string]string) {
	for _, tok := range strings.Split(val, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		norm := strings.ToLower(tok)
		if _, ok := display[norm]; !ok {
			display[norm] = tok
		}
		counts[norm]++
	}
}

// parseBudget akzeptiert int- und float-artige Strings ("40000.0") und schneidet
// Nachkommastellen ab; nicht parsbar -> nil.
func parseBudget(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	b := int64(f)
	return &b
}

// parseCost akzeptiert zusätzlich Dezimal-Komma ("1234,5").
func parseCost(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

func parseBound(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func intOrDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func firstFloat(lower map[string]string, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := lower[k]; ok {
			s := strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
