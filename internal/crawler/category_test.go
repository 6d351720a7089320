package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCategoryForByPath(t *testing.T) {
	tests := []struct {
		name     string
		pageURL  string
		expected string
	}{
		{name: "first segment", pageURL: "https://example.com/products/widget", expected: "products"},
		{name: "root page", pageURL: "https://example.com/", expected: "homepage"},
		{name: "no path", pageURL: "https://example.com", expected: "homepage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categoryFor(mustParse(t, tt.pageURL), "Some Title", CategoryByPath)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCategoryForByPage(t *testing.T) {
	page := mustParse(t, "https://example.com/page")

	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{name: "plain title", title: "Spring Collection", expected: "Spring Collection"},
		{name: "strips punctuation", title: "Sale! 50% Off?", expected: "Sale 50 Off"},
		{name: "truncates long titles", title: "This is a very long page title that keeps going", expected: "This is a very long page title"},
		{name: "truncates multibyte titles on characters", title: "é" + "abcdefghijklmnopqrstuvwxyzabcd", expected: "abcdefghijklmnopqrstuvwxyzabc"},
		{name: "empty title", title: "", expected: "untitled"},
		{name: "punctuation only", title: "!!!", expected: "untitled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categoryFor(page, tt.title, CategoryByPage))
		})
	}
}

func TestCategoryForByDomain(t *testing.T) {
	tests := []struct {
		name     string
		pageURL  string
		expected string
	}{
		{name: "subdomain label", pageURL: "https://shop.example.com/page", expected: "shop"},
		{name: "bare domain", pageURL: "https://example.com/page", expected: "main"},
		{name: "deep subdomain uses leftmost", pageURL: "https://img.cdn.example.com/", expected: "img"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categoryFor(mustParse(t, tt.pageURL), "", CategoryByDomain))
		})
	}
}

func TestCategoryForIsDeterministic(t *testing.T) {
	page := mustParse(t, "https://example.com/products/widget")

	first := categoryFor(page, "Widget Shop", CategoryByPage)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, categoryFor(page, "Widget Shop", CategoryByPage))
	}
}

func TestExtensionOf(t *testing.T) {
	tests := []struct {
		name     string
		imageURL string
		expected string
	}{
		{name: "simple jpg", imageURL: "https://example.com/a.jpg", expected: "jpg"},
		{name: "uppercase normalised", imageURL: "https://example.com/a.PNG", expected: "png"},
		{name: "query ignored", imageURL: "https://example.com/a.webp?v=2", expected: "webp"},
		{name: "no extension", imageURL: "https://example.com/image", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extensionOf(mustParse(t, tt.imageURL)))
		})
	}
}

func TestFilenameFor(t *testing.T) {
	t.Run("keeps basename with extension", func(t *testing.T) {
		u := mustParse(t, "https://example.com/images/photo.jpg")
		assert.Equal(t, "photo.jpg", filenameFor(u, "Any Title", "jpg"))
	})

	t.Run("synthesises name without extension", func(t *testing.T) {
		u := mustParse(t, "https://example.com/img/12345")
		name := filenameFor(u, "Product Page", "png")
		assert.Regexp(t, `^Product Page_[0-9a-f]{8}\.png$`, name)
	})

	t.Run("defaults to jpg when no extension known", func(t *testing.T) {
		u := mustParse(t, "https://example.com/img/12345")
		name := filenameFor(u, "Product Page", "")
		assert.Regexp(t, `\.jpg$`, name)
	})

	t.Run("same URL yields same name", func(t *testing.T) {
		u := mustParse(t, "https://example.com/img/12345")
		assert.Equal(t, filenameFor(u, "T", "png"), filenameFor(u, "T", "png"))
	})
}
