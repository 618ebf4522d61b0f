// Package paste turns a block of free text into structured rows. It is a
// best-effort extractor: lines without a discoverable number are skipped,
// never errored.
package paste

import (
	"regexp"
	"strconv"
	"strings"

	"listdiff/api/internal/store"
	"listdiff/api/internal/util"
)

// Integer-or-decimal with optional thousands separators.
var numberPattern = regexp.MustCompile(`\d[\d,]*\.?\d*`)

var decorations = strings.NewReplacer("=", " ", "*", " ")

// Parse extracts one Item per usable line. The last numeric token on a
// line is the value; earlier numeric tokens stay in the name ("Umbrella 6
// meters = 450" keeps "6 meters").
func Parse(raw string) []store.Item {
	items := make([]store.Item, 0)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		spans := numberPattern.FindAllStringIndex(line, -1)
		if len(spans) == 0 {
			continue
		}

		last := spans[len(spans)-1]
		token := strings.ReplaceAll(line[last[0]:last[1]], ",", "")
		value, err := strconv.ParseFloat(token, 64)
		if err != nil {
			continue
		}

		name := line[:last[0]] + line[last[1]:]
		name = decorations.Replace(name)
		name = strings.Join(strings.Fields(name), " ")
		if name == "" {
			continue
		}

		items = append(items, store.Item{
			ID:    util.NewItemID(),
			Name:  name,
			Value: store.Number(value),
		})
	}
	return items
}
