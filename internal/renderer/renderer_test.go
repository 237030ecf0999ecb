package renderer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"herald/internal/config"
	"herald/internal/testinfra"
	apperrors "herald/pkg/errors"
	"herald/pkg/migrations"
)

func staticSource() *StaticSource {
	return NewStaticSource(map[string]config.StaticTemplate{
		"welcome": {Subject: "Welcome {{.name}}", Body: "<p>Hello {{.name}}, your code is {{.code}}</p>"},
		"broken":  {Subject: "{{.name", Body: "x"},
	})
}

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) Lookup(ctx context.Context, code string) (Template, error) {
	c.calls++
	return c.Source.Lookup(ctx, code)
}

func TestRenderStaticTemplate(t *testing.T) {
	r := New(staticSource(), time.Minute)

	content, err := r.Render(context.Background(), "welcome", map[string]interface{}{"name": "Ann", "code": 42})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ann", content.Subject)
	assert.Equal(t, "<p>Hello Ann, your code is 42</p>", content.Body)
	assert.Equal(t, "42", content.Data["code"])
}

func TestRenderErrorsArePermanent(t *testing.T) {
	r := New(staticSource(), time.Minute)
	ctx := context.Background()

	_, err := r.Render(ctx, "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.False(t, apperrors.IsRetryable(err))

	_, err = r.Render(ctx, "broken", nil)
	var renderErr *RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.False(t, apperrors.IsRetryable(err))

	_, err = r.Render(ctx, "welcome", map[string]interface{}{"name": "Ann"})
	require.True(t, errors.As(err, &renderErr), "missing variables fail the render")
	assert.Equal(t, "welcome", renderErr.TemplateRef)
}

func TestRendererCachesParsedTemplates(t *testing.T) {
	src := &countingSource{Source: staticSource()}
	r := New(src, time.Minute)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	vars := map[string]interface{}{"name": "Ann", "code": 1}

	for i := 0; i < 3; i++ {
		_, err := r.Render(context.Background(), "welcome", vars)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	_, err := r.Render(context.Background(), "welcome", vars)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestInvalidateForcesReload(t *testing.T) {
	src := &countingSource{Source: staticSource()}
	r := New(src, time.Hour)
	vars := map[string]interface{}{"name": "Ann", "code": 1}

	_, err := r.Render(context.Background(), "welcome", vars)
	require.NoError(t, err)
	r.Invalidate("welcome")
	r.Invalidate("never-cached")
	_, err = r.Render(context.Background(), "welcome", vars)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(Template{Code: "ok", Subject: "Hi {{.name}}", Body: "{{if .vip}}VIP{{end}}"}))

	err := Check(Template{Code: "bad", Subject: "fine", Body: "{{range .items}"})
	var renderErr *RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, "bad", renderErr.TemplateRef)
}

func TestMongoSourceLooksUpActiveLatestVersion(t *testing.T) {
	db := testinfra.Mongo(t)
	ctx := context.Background()
	coll := db.Collection("templates")

	_, err := coll.InsertMany(ctx, []interface{}{
		bson.M{"code": "welcome", "subject": "v1 {{.name}}", "content": "one", "version": 1, "is_active": true},
		bson.M{"code": "welcome", "subject": "v2 {{.name}}", "content": "two", "version": 2, "is_active": true},
		bson.M{"code": "welcome", "subject": "v3 {{.name}}", "content": "three", "version": 3, "is_active": false},
	})
	require.NoError(t, err)

	require.NoError(t, migrations.EnsureTemplateIndexes(ctx, db, "templates"))
	src := NewMongoSource(db, "templates")

	tpl, err := src.Lookup(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)
	assert.Equal(t, "two", tpl.Body)

	_, err = src.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	content, err := New(src, 0).Render(ctx, "welcome", map[string]interface{}{"name": "Bo"})
	require.NoError(t, err)
	assert.Equal(t, "v2 Bo", content.Subject)
}

func TestBarePlaceholdersRender(t *testing.T) {
	tpl := Template{
		Code:    "welcome",
		Subject: "Welcome {{ name }}",
		Body:    "<html><body>Hello {{name}}! Your code is {{code}}.</body></html>",
	}
	require.NoError(t, Check(tpl))

	r := New(NewStaticSource(map[string]config.StaticTemplate{
		"welcome": {Subject: tpl.Subject, Body: tpl.Body},
	}), time.Minute)
	content, err := r.Render(context.Background(), "welcome", map[string]interface{}{"name": "Ada", "code": 123})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", content.Subject)
	assert.Equal(t, "<html><body>Hello Ada! Your code is 123.</body></html>", content.Body)
}

func TestNormalizePlaceholders(t *testing.T) {
	cases := []struct{ in, want string }{
		{"{{name}}", "{{.name}}"},
		{"{{ name }}", "{{ .name }}"},
		{"a {{- name -}} b", "a {{- .name -}} b"},
		{"{{.name}}", "{{.name}}"},
		{"{{if .vip}}VIP{{end}}", "{{if .vip}}VIP{{end}}"},
		{"{{if .a}}x{{else}}y{{end}}", "{{if .a}}x{{else}}y{{end}}"},
		{"{{range .items}}{{.}}{{end}}", "{{range .items}}{{.}}{{end}}"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalizePlaceholders(c.in), c.in)
	}
}
