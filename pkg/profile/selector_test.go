package profile

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
)

type staticSource struct {
	data []byte
	err  error
}

func (s staticSource) FetchProfiles(context.Context) ([]byte, error) {
	return s.data, s.err
}

func TestSelectorSelect(t *testing.T) {
	tests := []struct {
		name string
		info SystemInfo
		want []string
	}{
		{"lab machine", SystemInfo{"os": "windows", "hostname": "lab-3"}, []string{"common", "editor", "lab-tools"}},
		{"office machine", SystemInfo{"os": "windows", "hostname": "office-1"}, []string{"common", "editor"}},
		{"nothing matches", SystemInfo{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(staticSource{data: []byte(profilesINI)}, tt.info, zerolog.Nop())
			got, err := s.Select(context.Background())
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectorErrors(t *testing.T) {
	fetchErr := engine.NewRepositoryError("", engine.PhaseProfile, errors.New("connection reset"))
	s := NewSelector(staticSource{err: fetchErr}, SystemInfo{}, zerolog.Nop())
	if _, err := s.Select(context.Background()); !engine.IsRepositoryError(err) {
		t.Errorf("Select() error = %v, want repository error", err)
	}

	s = NewSelector(staticSource{data: []byte("[p]\nvariable = os\nmatch = (\n")}, SystemInfo{}, zerolog.Nop())
	_, err := s.Select(context.Background())
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Operation != engine.PhaseProfile {
		t.Errorf("Select() error = %v, want profile phase error", err)
	}
}
