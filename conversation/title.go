package conversation

import (
	"context"
	"strings"
)

const titleMaxRunes = 48

// firstTurnTitler is the default TitleGenerator: the first user turn,
// whitespace-collapsed and cut to titleMaxRunes on a word boundary.
type firstTurnTitler struct{}

func (firstTurnTitler) Title(ctx context.Context, userTurns []string) (string, error) {
	if len(userTurns) == 0 {
		return "", nil
	}
	title := strings.Join(strings.Fields(userTurns[0]), " ")
	runes := []rune(title)
	if len(runes) <= titleMaxRunes {
		return title, nil
	}
	cut := string(runes[:titleMaxRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut, nil
}
