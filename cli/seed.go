package cli

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/zot/chatops/internal/blob"
	"github.com/zot/chatops/internal/commit"
	"github.com/zot/chatops/internal/db"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
)

// maxOptions is the number of regional-indicator reactions available.
const maxOptions = 26

// SeedFile is the YAML layout read by the seed command:
//
//	censor: [badword]
//	subjects:
//	  geo:
//	    collection: geo_questions
//	    quizzes:
//	      - question: Capital of France?
//	        image: images/paris.png
//	        options:
//	          - {answer: Paris, correct: true}
//	          - {answer: Lyon}
type SeedFile struct {
	Censor   []string                `yaml:"censor"`
	Subjects map[string]*SeedSubject `yaml:"subjects"`

	dir string // resolves relative image paths
}

// SeedSubject is one quiz subject. Collection defaults to
// "<subject>_questions".
type SeedSubject struct {
	Collection string      `yaml:"collection"`
	Quizzes    []*SeedQuiz `yaml:"quizzes"`
}

// SeedQuiz is one question. Image is a URL or a local file that is uploaded
// to blob storage.
type SeedQuiz struct {
	ID              string       `yaml:"id"`
	Question        string       `yaml:"question"`
	Image           string       `yaml:"image"`
	Ordered         bool         `yaml:"ordered"`
	RequiredCorrect int          `yaml:"required_correct"`
	Options         []SeedOption `yaml:"options"`
}

// SeedOption is one answer of a question.
type SeedOption struct {
	Answer  string `yaml:"answer"`
	Correct bool   `yaml:"correct"`
}

// ReadSeedFile parses and validates a seed file.
func ReadSeedFile(file string) (*SeedFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	f, err := ParseSeed(data)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", file)
	}
	f.dir = filepath.Dir(file)
	return f, nil
}

// ParseSeed parses seed YAML, filling in defaults and rejecting questions the
// quiz command could not ask.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NotValidf("seed yaml: %v", err)
	}
	for name, subject := range f.Subjects {
		if name == "subjects" {
			return nil, errors.NotValidf("subject name %q", name)
		}
		if subject == nil {
			return nil, errors.NotValidf("subject %q without questions", name)
		}
		if subject.Collection == "" {
			subject.Collection = name + "_questions"
		}
		for i, q := range subject.Quizzes {
			if err := q.validate(); err != nil {
				return nil, errors.Annotatef(err, "subject %s question %d", name, i+1)
			}
		}
	}
	return &f, nil
}

func (q *SeedQuiz) validate() error {
	if q == nil || q.Question == "" {
		return errors.NotValidf("empty question")
	}
	if len(q.Options) == 0 || len(q.Options) > maxOptions {
		return errors.NotValidf("%d options", len(q.Options))
	}
	correct := 0
	for _, o := range q.Options {
		if o.Correct {
			correct++
		}
	}
	if correct == 0 {
		return errors.NotValidf("no correct option")
	}
	if q.RequiredCorrect == 0 {
		q.RequiredCorrect = 1
	}
	if q.RequiredCorrect < 0 || q.RequiredCorrect > correct {
		return errors.NotValidf("required_correct %d with %d correct options", q.RequiredCorrect, correct)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}

func (q *SeedQuiz) model() *model.Quiz {
	m := model.NewQuiz()
	m.ID = q.ID
	m.Question = q.Question
	m.Image = q.Image
	m.Ordered = q.Ordered
	m.RequiredCorrect = q.RequiredCorrect
	for _, o := range q.Options {
		m.Options = append(m.Options, model.Option{Answer: o.Answer, Correct: o.Correct})
	}
	return m
}

// Apply uploads local images and writes the quiz index, the questions and
// the censor list in one transaction. Existing subjects and censor entries
// are kept. It returns the number of questions written.
func (f *SeedFile) Apply(ctx context.Context, store *docstore.Store, bucket blob.Bucket) (int, error) {
	if err := f.uploadImages(ctx, bucket); err != nil {
		return 0, err
	}
	names := make([]string, 0, len(f.Subjects))
	for name := range f.Subjects {
		names = append(names, name)
	}
	slices.Sort(names)

	count := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Transaction) error {
		count = 0
		index := store.Doc(db.QuizIndexDoc)
		snap, err := tx.Get(ctx, index)
		if err != nil {
			return err
		}
		data := snap.Map()
		subjects := stringList(data["subjects"])
		for _, name := range names {
			if !slices.Contains(subjects, name) {
				subjects = append(subjects, name)
			}
			data[name] = f.Subjects[name].Collection
		}
		data["subjects"] = subjects
		if err := tx.Set(index, data); err != nil {
			return err
		}

		for _, name := range names {
			subject := f.Subjects[name]
			coll := index.Collection(subject.Collection)
			for _, q := range subject.Quizzes {
				if err := commit.New(q.model(), nil, coll.Doc(q.ID)).Create(ctx, tx); err != nil {
					return err
				}
				count++
			}
		}

		if len(f.Censor) == 0 {
			return nil
		}
		censor := store.Doc(db.CensorDoc)
		if snap, err = tx.Get(ctx, censor); err != nil {
			return err
		}
		words := stringList(snap.Map()["data"])
		for _, w := range f.Censor {
			if !slices.Contains(words, w) {
				words = append(words, w)
			}
		}
		return tx.Set(censor, map[string]any{"data": words})
	})
	if err != nil {
		return 0, errors.Annotate(err, "seeding")
	}
	return count, nil
}

// uploadImages replaces local image paths with their blob keys,
// quizzes/<subject>/<file>.
func (f *SeedFile) uploadImages(ctx context.Context, bucket blob.Bucket) error {
	var objects []blob.Object
	for name, subject := range f.Subjects {
		for _, q := range subject.Quizzes {
			if q.Image == "" || blob.IsURL(q.Image) {
				continue
			}
			file := q.Image
			if !filepath.IsAbs(file) {
				file = filepath.Join(f.dir, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return errors.Annotatef(err, "question %q image", q.Question)
			}
			q.Image = path.Join("quizzes", name, filepath.Base(file))
			objects = append(objects, blob.Object{
				Path:        q.Image,
				Data:        data,
				ContentType: http.DetectContentType(data),
			})
		}
	}
	if len(objects) == 0 {
		return nil
	}
	return errors.Annotate(bucket.Upload(ctx, objects, true), "uploading quiz images")
}

// stringList reads a list field of decoded document data.
func stringList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	}
	return out
}
