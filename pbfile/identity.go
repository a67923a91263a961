package pbfile

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// groupKeyMaxLen hält den Group-Key innerhalb sicherer Index-Längen (utf8mb4: 191 Zeichen).
const groupKeyMaxLen = 191

// Identity ist die logische Datensatz-Identität eines PB-Files.
type Identity struct {
	Country  string
	Unit     string
	Instance string
	Subunit  string
}

// WebpageName ist der menschenlesbare Identitätsschlüssel: Unterstrich-Join der
// nicht-leeren Teile, Groß-/Kleinschreibung bleibt erhalten.
func (id Identity) WebpageName() string {
	var parts []string
	for _, p := range []string{id.Country, id.Unit, id.Instance, id.Subunit} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// GroupKey bildet den normalisierten Gruppierungsschlüssel: getrimmt, kleingeschrieben,
// mit '|' verbunden. Überschreitet das Ergebnis die Längengrenze, wird gekürzt und ein
// stabiler SHA1-Suffix angehängt, damit die Eindeutigkeit erhalten bleibt.
func (id Identity) GroupKey() string {
	parts := []string{id.Country, id.Unit, id.Instance, id.Subunit}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	key := strings.Join(parts, "|")
	if len(key) <= groupKeyMaxLen {
		return key
	}
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])[:12]
	prefix := key[:groupKeyMaxLen-1-len(h)]
	return prefix + "_" + h
}

// IdentityFromMeta liest die Identität aus META mit den bekannten Alias-Ketten
// (unit -> city -> district, instance -> year).
func IdentityFromMeta(meta map[string]string) Identity {
	return Identity{
		Country:  strings.TrimSpace(meta["country"]),
		Unit:     resolveAlias(meta, "unit", "city", "district"),
		Instance: resolveAlias(meta, "instance", "year"),
		Subunit:  strings.TrimSpace(meta["subunit"]),
	}
}

// resolveAlias liefert den Wert des ersten vorhandenen Schlüssels entlang der
// Alias-Kette. Ein vorhandener, aber leerer Schlüssel beendet die Kette:
// ein explizites "unit;" in META bedeutet "keine Unit", nicht "nimm city".
func resolveAlias(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
