package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openclaw-oversight/oversight-go/internal/llm"
)

// Triple is one subject/predicate/object statement mined from text.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

const (
	// maxTriples caps what pattern extraction takes from one message.
	maxTriples = 20

	// maxModelTriples caps what one model reply may contribute.
	maxModelTriples = 10

	// maxPartLen rejects subjects and objects too long to be a usable key.
	maxPartLen = 80
)

const (
	subjectToken = `[A-Za-z][\w./-]*`
	objectToken  = `[\w/][\w./:%-]*`
)

// tripleRe matches one present-tense statement. Subjects run up to four
// words, objects up to five; a compound sentence keeps only its first
// statement, the model stage picks up the rest.
var tripleRe = regexp.MustCompile(`(?i)\b(` + subjectToken + `(?:[ \t]` + subjectToken + `){0,3})[ \t]+` +
	`(is|are|uses|requires|supports|runs[ \t]+on|depends[ \t]+on|listens[ \t]+on|defaults[ \t]+to|belongs[ \t]+to|lives[ \t]+in)[ \t]+` +
	`(?:a[ \t]+|an[ \t]+|the[ \t]+)?` +
	`(` + objectToken + `(?:[ \t]` + objectToken + `){0,4})`)

// sentenceRe splits on terminal punctuation and line breaks without cutting
// dotted tokens like hostnames or IP addresses.
var sentenceRe = regexp.MustCompile(`[.!?;]+(?:\s+|$)|\n+`)

// articleWords are stripped off the front of a subject.
var articleWords = map[string]bool{
	"the": true, "a": true, "an": true, "our": true, "my": true,
	"their": true, "its": true, "this": true, "that": true,
}

// vagueWords reject a subject with no concrete word left.
var vagueWords = map[string]bool{
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"there": true, "here": true, "he": true, "she": true, "they": true,
	"we": true, "you": true, "i": true, "what": true, "which": true,
	"who": true, "something": true, "anything": true, "nothing": true,
	"everything": true, "everyone": true, "one": true, "thing": true,
	"things": true, "stuff": true, "all": true, "some": true, "none": true,
}

// objectStopWords truncate an object at a clause connector.
var objectStopWords = map[string]bool{
	"and": true, "or": true, "but": true, "because": true, "so": true,
	"which": true, "that": true, "while": true, "since": true,
	"though": true, "although": true, "unless": true, "if": true,
	"when": true, "where": true, "then": true, "however": true,
}

// negationWords drop negated statements.
var negationWords = map[string]bool{
	"not": true, "no": true, "never": true, "neither": true, "nor": true,
}

// ExtractTriples pulls "X is Y" style statements out of free text, one per
// sentence, deduplicated case-insensitively.
func ExtractTriples(text string) []Triple {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []Triple
	seen := make(map[string]bool)
	for _, sentence := range sentenceRe.Split(text, -1) {
		m := tripleRe.FindStringSubmatch(sentence)
		if m == nil {
			continue
		}
		subject, ok := cleanSubject(m[1])
		if !ok {
			continue
		}
		object, ok := cleanObject(m[3])
		if !ok {
			continue
		}
		t := Triple{Subject: subject, Predicate: normalizePredicate(m[2]), Object: object}

		key := strings.ToLower(t.Subject + "\x00" + t.Predicate + "\x00" + t.Object)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) >= maxTriples {
			break
		}
	}
	return out
}

// cleanSubject strips leading articles and rejects subjects made entirely of
// vague words.
func cleanSubject(raw string) (string, bool) {
	words := strings.Fields(raw)
	for len(words) > 0 && articleWords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	if len(words) == 0 {
		return "", false
	}
	meaningful := false
	for _, w := range words {
		if !vagueWords[strings.ToLower(w)] {
			meaningful = true
			break
		}
	}
	if !meaningful {
		return "", false
	}
	s := strings.Join(words, " ")
	if len(s) > maxPartLen {
		return "", false
	}
	return s, true
}

// cleanObject truncates at the first clause connector, strips trailing
// punctuation, and rejects negated or empty objects.
func cleanObject(raw string) (string, bool) {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return "", false
	}
	if negationWords[strings.ToLower(words[0])] {
		return "", false
	}
	kept := words[:0]
	for _, w := range words {
		if objectStopWords[strings.ToLower(w)] {
			break
		}
		kept = append(kept, w)
	}
	o := strings.TrimRight(strings.Join(kept, " "), `.,;:!?"'`)
	if o == "" || len(o) > maxPartLen {
		return "", false
	}
	return o, true
}

func normalizePredicate(raw string) string {
	p := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if p == "are" {
		p = "is"
	}
	return p
}

const extractSystem = `You mine durable knowledge from an AI agent's messages. ` +
	`Extract factual subject/predicate/object triples worth remembering across sessions. ` +
	`Reply with JSON only: {"facts": [{"subject": "...", "predicate": "...", "object": "..."}]}. ` +
	`Skip questions, opinions, greetings, and one-off chatter. ` +
	`At most ten triples; an empty list is a fine answer.`

// extractWithModel asks the configured model for triples. Blank-field
// entries are dropped and the reply is capped at maxModelTriples.
func extractWithModel(ctx context.Context, client *llm.Client, text string) ([]Triple, error) {
	out, err := client.Complete(ctx, extractSystem, text)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Facts []Triple `json:"facts"`
	}
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse extraction reply: %w", err)
	}

	triples := make([]Triple, 0, len(reply.Facts))
	for _, t := range reply.Facts {
		t.Subject = strings.TrimSpace(t.Subject)
		t.Predicate = strings.TrimSpace(t.Predicate)
		t.Object = strings.TrimSpace(t.Object)
		if t.Subject == "" || t.Predicate == "" || t.Object == "" {
			continue
		}
		triples = append(triples, t)
		if len(triples) >= maxModelTriples {
			break
		}
	}
	return triples, nil
}
