package classify

import (
	"testing"

	"github.com/firewatch-iot/firewatch/pkg/models"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reading models.Reading
		want    models.Status
	}{
		{
			name:    "all zero is safe",
			reading: models.Reading{},
			want:    models.StatusSafe,
		},
		{
			name:    "nominal room conditions",
			reading: models.Reading{Smoke: 50, Temperature: 25, Humidity: 40},
			want:    models.StatusSafe,
		},
		{
			name:    "smoke one below warn threshold",
			reading: models.Reading{Smoke: SmokeWarn - 1, Temperature: 20},
			want:    models.StatusSafe,
		},
		{
			name:    "smoke exactly at warn threshold",
			reading: models.Reading{Smoke: SmokeWarn, Temperature: 20},
			want:    models.StatusWarning,
		},
		{
			name:    "smoke one below danger threshold",
			reading: models.Reading{Smoke: SmokeDanger - 1, Temperature: 20},
			want:    models.StatusWarning,
		},
		{
			name:    "smoke exactly at danger threshold",
			reading: models.Reading{Smoke: SmokeDanger, Temperature: 20},
			want:    models.StatusDanger,
		},
		{
			name:    "temperature exactly at warn threshold",
			reading: models.Reading{Smoke: 10, Temperature: TempWarn},
			want:    models.StatusWarning,
		},
		{
			name:    "temperature exactly at danger threshold",
			reading: models.Reading{Smoke: 10, Temperature: TempDanger},
			want:    models.StatusDanger,
		},
		{
			name:    "danger by temperature overrides low smoke",
			reading: models.Reading{Smoke: 0, Temperature: 80},
			want:    models.StatusDanger,
		},
		{
			name:    "humidity alone never escalates",
			reading: models.Reading{Smoke: 10, Temperature: 20, Humidity: 100},
			want:    models.StatusSafe,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.reading)
			if got != tc.want {
				t.Fatalf("Classify(%+v) = %q, want %q", tc.reading, got, tc.want)
			}
			// Idempotence: a second classification of the same reading
			// must agree with the first.
			if again := Classify(tc.reading); again != got {
				t.Fatalf("Classify not deterministic: %q then %q", got, again)
			}
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	r := models.Reading{Smoke: 400, Temperature: 25, Humidity: 40, Timestamp: 1700000000}
	cr := Apply(r)
	if cr.Reading != r {
		t.Fatalf("Apply mutated the reading: %+v", cr.Reading)
	}
	if cr.Status != models.StatusDanger || cr.Level != 3 {
		t.Fatalf("Apply = %q/%d, want DANGER/3", cr.Status, cr.Level)
	}
	// Reclassifying the stored reading reproduces the stored status.
	if Classify(cr.Reading) != cr.Status {
		t.Fatal("stored status drifted from fresh classification")
	}
}
