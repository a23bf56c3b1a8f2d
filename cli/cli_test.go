package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/chatops/internal/blob"
	"github.com/zot/chatops/internal/db"
	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/model"
	"github.com/zot/chatops/internal/storage"
)

func runCLI(t *testing.T, hooks *Hooks, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, hooks, &out, &errOut)
	return code, out.String(), errOut.String()
}

// offline flags keep commands away from the network and the working directory.
func offline(t *testing.T) []string {
	return []string{"-dir", t.TempDir(), "-lua=false", "-port", "0", "-log-level", "error"}
}

func TestHelp(t *testing.T) {
	hooks := &Hooks{CustomHelp: func() string { return "Extra commands" }}
	code, out, _ := runCLI(t, hooks, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "seed FILE")
	assert.Contains(t, out, "Extra commands")
}

func TestVersion(t *testing.T) {
	hooks := &Hooks{CustomVersion: func() string { return "wrapper v2" }}
	code, out, _ := runCLI(t, hooks, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "chatops v"+Version+"\nwrapper v2\n", out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, nil, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestBeforeDispatch(t *testing.T) {
	var got []string
	hooks := &Hooks{BeforeDispatch: func(command string, args []string) (bool, int) {
		got = append([]string{command}, args...)
		return command == "deploy", 7
	}}
	code, _, _ := runCLI(t, hooks, "deploy", "now")
	assert.Equal(t, 7, code)
	assert.Equal(t, []string{"deploy", "now"}, got)
}

func TestRoute(t *testing.T) {
	args := append([]string{"route"}, offline(t)...)
	code, out, errOut := runCLI(t, nil, append(args, ".counter", "score", "+")...)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `\.counter `)
	assert.Contains(t, out, "endpoint: counter.edit")
	assert.Contains(t, out, `groups: ["score" "+"]`)

	code, _, errOut = runCLI(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "route needs the message text")
}

func TestIndex(t *testing.T) {
	code, out, errOut := runCLI(t, nil, append([]string{"index"}, offline(t)...)...)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Ask a random question about a subject")
	assert.Contains(t, out, "Chat filter")
}

func TestServeRejectsBadStore(t *testing.T) {
	code, _, errOut := runCLI(t, nil, append([]string{"serve", "-store", "bogus"}, offline(t)...)...)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")
}

const seedYAML = `
censor: [badword, spam]
subjects:
  geo:
    quizzes:
      - id: paris
        question: Capital of France?
        image: paris.png
        options:
          - {answer: Paris, correct: true}
          - {answer: Lyon}
  maths:
    collection: numbers
    quizzes:
      - question: Primes?
        ordered: true
        required_correct: 2
        image: https://cdn.example/primes.png
        options:
          - {answer: "2", correct: true}
          - {answer: "4"}
          - {answer: "7", correct: true}
`

func TestParseSeed(t *testing.T) {
	f, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"badword", "spam"}, f.Censor)
	assert.Equal(t, "geo_questions", f.Subjects["geo"].Collection)
	assert.Equal(t, "numbers", f.Subjects["maths"].Collection)

	geo := f.Subjects["geo"].Quizzes[0]
	assert.Equal(t, 1, geo.RequiredCorrect)
	assert.Equal(t, "paris", geo.ID)
	assert.NotEmpty(t, f.Subjects["maths"].Quizzes[0].ID)
}

func TestParseSeedInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "subjects: [oops"},
		{"reserved subject", "subjects:\n  subjects:\n    quizzes: []\n"},
		{"empty subject", "subjects:\n  geo:\n"},
		{"no question", "subjects:\n  geo:\n    quizzes:\n      - options: [{answer: a, correct: true}]\n"},
		{"no options", "subjects:\n  geo:\n    quizzes:\n      - question: q\n"},
		{"no correct option", "subjects:\n  geo:\n    quizzes:\n      - question: q\n        options: [{answer: a}]\n"},
		{"too many required", "subjects:\n  geo:\n    quizzes:\n      - question: q\n        required_correct: 2\n        options: [{answer: a, correct: true}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
		})
	}
}

func TestSeedApply(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\nimage")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paris.png"), png, 0o644))
	file := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(file, []byte(seedYAML), 0o644))

	store := docstore.New(storage.NewMemoryStorage())
	defer store.Close()
	require.NoError(t, store.Doc(db.QuizIndexDoc).Set(ctx, map[string]any{
		"subjects": []any{"history"},
		"history":  "history_questions",
	}))
	require.NoError(t, store.Doc(db.CensorDoc).Set(ctx, map[string]any{"data": []any{"spam", "scam"}}))
	bucket, err := blob.NewFSBucket(t.TempDir(), "https://cdn.example/")
	require.NoError(t, err)

	f, err := ReadSeedFile(file)
	require.NoError(t, err)
	n, err := f.Apply(ctx, store, bucket)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := store.Doc(db.QuizIndexDoc).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"subjects": []any{"history", "geo", "maths"},
		"history":  "history_questions",
		"geo":      "geo_questions",
		"maths":    "numbers",
	}, snap.Map())

	snap, err = store.Doc(db.QuizIndexDoc).Collection("geo_questions").Doc("paris").Get(ctx)
	require.NoError(t, err)
	require.True(t, snap.Exists())
	q, err := model.DecodeQuiz("paris", snap.Map())
	require.NoError(t, err)
	assert.Equal(t, "Capital of France?", q.Question)
	assert.Equal(t, "quizzes/geo/paris.png", q.Image)
	assert.Equal(t, []string{"Paris"}, q.CorrectAnswers())

	data, err := bucket.Read(ctx, "quizzes/geo/paris.png")
	require.NoError(t, err)
	assert.Equal(t, png, data)

	numbers, err := store.Doc(db.QuizIndexDoc).Collection("numbers").List(ctx)
	require.NoError(t, err)
	require.Len(t, numbers, 1)
	primes, err := model.DecodeQuiz(numbers[0].ID(), numbers[0].Map())
	require.NoError(t, err)
	assert.True(t, primes.Ordered)
	assert.Equal(t, 2, primes.RequiredCorrect)
	assert.Equal(t, "https://cdn.example/primes.png", primes.Image)

	snap, err = store.Doc(db.CensorDoc).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"spam", "scam", "badword"}, snap.Map()["data"])
}

func TestSeedApplyWithoutBucket(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paris.png"), []byte("img"), 0o644))
	file := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(file, []byte(seedYAML), 0o644))

	store := docstore.New(storage.NewMemoryStorage())
	defer store.Close()
	f, err := ReadSeedFile(file)
	require.NoError(t, err)
	_, err = f.Apply(context.Background(), store, blob.None{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotSupported))

	snap, err := store.Doc(db.QuizIndexDoc).Get(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestSeedCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
subjects:
  geo:
    quizzes:
      - question: Capital of Italy?
        options: [{answer: Rome, correct: true}, {answer: Milan}]
`), 0o644))

	args := append([]string{"seed"}, offline(t)...)
	code, out, errOut := runCLI(t, nil, append(args, file)...)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "seeded 1 questions in 1 subjects\n", out)

	code, _, errOut = runCLI(t, nil, args...)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "exactly one seed file")
}

func TestReexportedConfig(t *testing.T) {
	cfg, rest, err := LoadArgs([]string{"-port", "9000", "extra"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Transport.Port)
	assert.Equal(t, []string{"extra"}, rest)
	assert.Equal(t, DefaultConfig().Store.Type, cfg.Store.Type)
}
