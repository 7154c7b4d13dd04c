package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStudyName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"s1", true},
		{"exp-1.v2_final", true},
		{"A", true},
		{"", false},
		{".", false},
		{"..", false},
		{".hidden", false},
		{"team/b", false},
		{`team\b`, false},
		{"../escape", false},
		{"with space", false},
		{"-flag", false},
	}
	for _, c := range cases {
		err := ValidateStudyName(c.name)
		assert.Equal(t, c.ok, err == nil, "%q: %v", c.name, err)
	}
}

func TestStudyValidateChecksName(t *testing.T) {
	st := Study{
		Name:              "team/b",
		Direction:         []Direction{Minimize},
		ObjectiveFile:     "objective.py",
		ObjectiveFunction: "objective",
	}
	assert.Error(t, st.Validate())

	st.Name = "b"
	assert.NoError(t, st.Validate())
}
