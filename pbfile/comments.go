package pbfile

import (
	"fmt"
	"strings"
)

// ExtractComments zerlegt META["comment"] in eine geordnete Liste einzelner Kommentare.
// Format: ein String mit sequentiellen Markern "#1:", "#2:", ... Ohne Marker wird der
// gesamte String als einzelner Kommentar behandelt. Leere Segmente werden verworfen.
func ExtractComments(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	// Auf eine Zeile normalisieren, damit die Markersuche einfach bleibt.
	s = strings.ReplaceAll(s, "\n", " ")

	var parts []string
	expecting := 1
	for {
		marker := fmt.Sprintf("#%d:", expecting)
		nextMarker := fmt.Sprintf("#%d:", expecting+1)
		start := strings.Index(s, marker)
		if start == -1 {
			if expecting == 1 && s != "" {
				if txt := trimComment(s); txt != "" {
					parts = append(parts, txt)
				}
			}
			break
		}
		startText := start + len(marker)
		end := strings.Index(s[startText:], nextMarker)
		var chunk string
		if end == -1 {
			chunk = s[startText:]
		} else {
			chunk = s[startText : startText+end]
		}
		if txt := trimComment(chunk); txt != "" {
			parts = append(parts, txt)
		}
		expecting++
		if end == -1 {
			break
		}
	}
	return parts
}

// JoinComments serialisiert eine Kommentarliste zurück ins Markerformat "#1: ... #2: ...".
func JoinComments(comments []string) string {
	var b strings.Builder
	for i, c := range comments {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "#%d: %s", i+1, c)
	}
	return b.String()
}

func trimComment(s string) string {
	return strings.Trim(strings.TrimSpace(s), ";.")
}
