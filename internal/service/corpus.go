package service

import (
	"github.com/enrybds/sayless/internal/dataset"
	"github.com/enrybds/sayless/internal/similarity"
)

// LoadCorpus returns the texts the query interface works over. It reads the
// classification export and falls back to uncategorized transcripts when
// nothing has been classified yet.
func (p *Pipeline) LoadCorpus() ([]similarity.Record, error) {
	classified, err := dataset.LoadClassified(p.cfg.Path(ClassifiedFile))
	if err != nil {
		return nil, err
	}
	if len(classified) > 0 {
		out := make([]similarity.Record, 0, len(classified))
		for _, r := range classified {
			out = append(out, similarity.Record{Key: r.Key, Text: r.Text, Category: r.Category})
		}
		return out, nil
	}

	transcripts, err := dataset.LoadTranscripts(p.cfg.Path(TranscriptsFile))
	if err != nil {
		return nil, err
	}
	out := make([]similarity.Record, 0, len(transcripts))
	for _, r := range transcripts {
		if SkipText(r.Text) {
			continue
		}
		out = append(out, similarity.Record{Key: r.Key, Text: NormalizeText(r.Text)})
	}
	if len(out) > 0 {
		p.logger.Info("no classification export, using transcripts", "texts", len(out))
	}
	return out, nil
}
