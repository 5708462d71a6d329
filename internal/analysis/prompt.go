package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/vigil/internal/sensor"
)

// DefaultPersona opens every prompt unless configuration overrides it.
const DefaultPersona = `Du bist ein aufmerksamer Assistent, der die Sensordaten eines Haushalts überwacht, ` +
	`in dem eine ältere Person allein lebt. Beurteile anhand der folgenden Ereignisse, ` +
	`ob der Tagesablauf normal wirkt oder ob es Anzeichen für Inaktivität, Stürze oder andere Probleme gibt. ` +
	`Antworte kurz und sachlich auf Deutsch.`

// BuildPrompt assembles the preamble (persona, keyword instruction and
// current local time) followed by the full history as indented JSON.
func BuildPrompt(persona string, keywords []string, now time.Time, records []sensor.Record) (string, error) {
	if persona == "" {
		persona = DefaultPersona
	}
	dump, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(persona))
	sb.WriteString("\n\n")
	if len(keywords) > 0 {
		fmt.Fprintf(&sb, "Wenn du etwas Besorgniserregendes feststellst, verwende mindestens eines dieser Wörter: %s. "+
			"Wenn alles in Ordnung ist, verwende keines davon.\n\n", strings.Join(keywords, ", "))
	}
	fmt.Fprintf(&sb, "Aktuelle Zeit: %s\n\n", now.Format("Monday, 02.01.2006 15:04:05 MST"))
	fmt.Fprintf(&sb, "Ereignisverlauf (neueste zuerst, Zeitstempel in Millisekunden seit Epoche):\n%s\n", dump)
	return sb.String(), nil
}
