package content

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// subjectAliases maps a lowercased, hyphenated subject spelling onto the
// canonical CSEC subject name.
var subjectAliases = map[string]string{
	"math":                                 "Mathematics",
	"maths":                                "Mathematics",
	"mathematics":                          "Mathematics",
	"bio":                                  "Biology",
	"biology":                              "Biology",
	"chem":                                 "Chemistry",
	"chemistry":                            "Chemistry",
	"phys":                                 "Physics",
	"physics":                              "Physics",
	"english-a":                            "English A",
	"english-b":                            "English B",
	"englisha":                             "English A",
	"englishb":                             "English B",
	"history":                              "Caribbean History",
	"caribbean-history":                    "Caribbean History",
	"economics":                            "Economics",
	"econ":                                 "Economics",
	"geography":                            "Geography",
	"geo":                                  "Geography",
	"pob":                                  "Principles of Business",
	"principles-of-business":               "Principles of Business",
	"poa":                                  "Principles of Accounts",
	"principles-of-accounts":               "Principles of Accounts",
	"it":                                   "Information Technology",
	"information-technology":               "Information Technology",
	"cs":                                   "Computer Science",
	"social-studies":                       "Social Studies",
	"spanish":                              "Spanish",
	"french":                               "French",
	"integrated-science":                   "Integrated Science",
	"agricultural-science":                 "Agricultural Science",
	"human-and-social-biology":             "Human and Social Biology",
	"hsb":                                  "Human and Social Biology",
	"visual-arts":                          "Visual Arts",
	"music":                                "Music",
	"physical-education":                   "Physical Education",
	"pe":                                   "Physical Education",
	"office-administration":                "Office Administration",
	"theatre-arts":                         "Theatre Arts",
	"electronic-document-preparation":      "Electronic Document Preparation",
	"edpm":                                 "Electronic Document Preparation",
	"food-and-nutrition":                   "Food and Nutrition",
	"home-economics":                       "Home Economics",
	"technical-drawing":                    "Technical Drawing",
	"building-technology":                  "Building Technology",
	"electrical-and-electronic-technology": "Electrical and Electronic Technology",
	"mechanical-engineering-technology":    "Mechanical Engineering Technology",
	"religious-education":                  "Religious Education",
}

// NormalizeSubject returns the canonical subject name so that "maths",
// "Math" and "mathematics" share cache entries. Unknown subjects are title
// cased.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	key := strings.ToLower(s)
	key = strings.NewReplacer("_", "-", " ", "-").Replace(key)
	if canonical, ok := subjectAliases[key]; ok {
		return canonical
	}

	words := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || unicode.IsSpace(r)
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// Profile holds the learner attributes that change generated content.
type Profile struct {
	TargetGrade string   `json:"target_grade" validate:"max=16"`
	Weaknesses  []string `json:"weaknesses" validate:"max=20,dive,max=120"`
	Difficulty  string   `json:"difficulty" validate:"max=32"`
}

// Signature is a deterministic digest of p. Weakness order, case and
// surrounding whitespace do not affect the result.
func Signature(p Profile) string {
	weak := make([]string, 0, len(p.Weaknesses))
	seen := make(map[string]struct{}, len(p.Weaknesses))
	for _, w := range p.Weaknesses {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		weak = append(weak, w)
	}
	sort.Strings(weak)

	h := sha256.New()
	h.Write([]byte("profile/v1\n"))
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(p.TargetGrade))))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.Join(weak, "\x1f")))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(p.Difficulty))))
	return hex.EncodeToString(h.Sum(nil))
}
