package kvm_test

import (
	"testing"

	"github.com/loks0n/carbon/kvm"
)

func TestExitTypeStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.ExitType
		want  string
	}{
		{name: "IO", value: kvm.EXITIO, want: "IO"},
		{name: "MMIO", value: kvm.EXITMMIO, want: "MMIO"},
		{name: "Shutdown", value: kvm.EXITSHUTDOWN, want: "SHUTDOWN"},
		{name: "Unknown", value: kvm.ExitType(255), want: "EXIT(255)"},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := test.value.String(); got != test.want {
				t.Errorf("have: %s, want: %s", got, test.want)
			}
		})
	}
}
