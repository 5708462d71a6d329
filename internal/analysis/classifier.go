package analysis

import "strings"

// Classifier decides whether a response indicates an alert condition.
type Classifier interface {
	Classify(text string) bool
}

// KeywordClassifier flags a response when its uppercased text contains
// any of the keywords.
type KeywordClassifier struct {
	keywords []string
}

// NewKeywordClassifier creates a classifier. Keywords are uppercased;
// empty entries are dropped.
func NewKeywordClassifier(keywords []string) *KeywordClassifier {
	k := &KeywordClassifier{keywords: make([]string, 0, len(keywords))}
	for _, w := range keywords {
		if w = strings.ToUpper(strings.TrimSpace(w)); w != "" {
			k.keywords = append(k.keywords, w)
		}
	}
	return k
}

// Classify implements [Classifier].
func (k *KeywordClassifier) Classify(text string) bool {
	upper := strings.ToUpper(text)
	for _, w := range k.keywords {
		if strings.Contains(upper, w) {
			return true
		}
	}
	return false
}

// Keywords returns the normalized keyword list.
func (k *KeywordClassifier) Keywords() []string {
	return append([]string(nil), k.keywords...)
}
