package validation

import (
	"testing"

	"github.com/kbukum/flowrun/errors"
)

type sampleSpec struct {
	ID      string `yaml:"id" validate:"required"`
	Retries int    `yaml:"retries" validate:"gte=0,max=10"`
	Profile string `yaml:"profile" validate:"oneof=local docker kubernetes"`
}

func TestValidate_OK(t *testing.T) {
	err := Validate(&sampleSpec{ID: "align", Retries: 2, Profile: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	err := Validate(&sampleSpec{Retries: -1, Profile: "slurm"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected CONFIGURATION_ERROR, got %s", errors.CodeOf(err))
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"TaskID":    "task_i_d",
		"Retries":   "retries",
		"MaxMemory": "max_memory",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Fatalf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
