package pipeline

import "github.com/maltedev/product-pipeline/internal/models"

type Kind string

const (
	KindSaved   Kind = "saved"
	KindSkipped Kind = "skipped"
	KindFailed  Kind = "failed"
)

type Stage string

const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageSave    Stage = "save"
)

const (
	ReasonDuplicate = "duplicate"
	ReasonCancelled = "cancelled"
)

// Outcome is the result for one input URL. Exactly one is produced per URL.
type Outcome struct {
	URL      string
	Kind     Kind
	Record   *models.ProductRecord
	Reason   string
	Stage    Stage
	Err      error
	Attempts int
}

// Saved reports a record that was newly stored.
func Saved(url string, record *models.ProductRecord) Outcome {
	return Outcome{URL: url, Kind: KindSaved, Record: record}
}

// Skipped reports a url that was not stored, with the reason.
func Skipped(url, reason string) Outcome {
	return Outcome{URL: url, Kind: KindSkipped, Reason: reason}
}

// Failed reports the stage that failed and its error.
func Failed(url string, stage Stage, err error) Outcome {
	return Outcome{URL: url, Kind: KindFailed, Stage: stage, Err: err}
}

type Summary struct {
	Total      int `json:"total"`
	Saved      int `json:"saved"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	Cancelled  int `json:"cancelled"`
}

// Summarize counts outcomes by kind and skip reason.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Kind {
		case KindSaved:
			s.Saved++
		case KindSkipped:
			s.Skipped++
			switch o.Reason {
			case ReasonDuplicate:
				s.Duplicates++
			case ReasonCancelled:
				s.Cancelled++
			}
		case KindFailed:
			s.Failed++
		}
	}
	return s
}
