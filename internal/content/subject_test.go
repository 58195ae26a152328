package content

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	cases := map[string]string{
		"maths":                  "Mathematics",
		" Math ":                 "Mathematics",
		"English_A":              "English A",
		"english a":              "English A",
		"POB":                    "Principles of Business",
		"principles of accounts": "Principles of Accounts",
		"marine-biology":         "Marine Biology",
		"":                       "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeSubject(in), "input %q", in)
	}
}

func TestSignatureIsOrderAndCaseInsensitive(t *testing.T) {
	a := Signature(Profile{TargetGrade: "I", Weaknesses: []string{"Fractions", "indices", "fractions"}, Difficulty: "Hard"})
	b := Signature(Profile{TargetGrade: " i", Weaknesses: []string{"indices ", "fractions"}, Difficulty: "hard"})
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c := Signature(Profile{TargetGrade: "II", Weaknesses: []string{"fractions", "indices"}, Difficulty: "hard"})
	require.NotEqual(t, a, c)

	// Field boundaries are kept apart.
	d := Signature(Profile{Weaknesses: []string{"a"}, Difficulty: "b"})
	e := Signature(Profile{Weaknesses: []string{"a", "b"}})
	require.NotEqual(t, d, e)
}

func TestNormalizeStructured(t *testing.T) {
	out, ok := normalizeStructured(`{"questions":[{"prompt":"x"}],"title":"t"}`)
	require.True(t, ok)
	require.JSONEq(t, `{"questions":[{"prompt":"x"}],"title":"t"}`, out)

	_, ok = normalizeStructured(`{"questions":[]}`)
	require.False(t, ok)

	_, ok = normalizeStructured(`[{"prompt":"x"}]`)
	require.False(t, ok)

	_, ok = normalizeStructured("```\n{\"questions\":[1]}\n```")
	require.True(t, ok)
}
