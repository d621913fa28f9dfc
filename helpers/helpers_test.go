package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "Alice@Example.COM", "alice@example.com", false},
		{"angle brackets", " <bob@example.org> ", "bob@example.org", false},
		{"plus detail", "dev-confirm+abc@lists.example.org", "dev-confirm+abc@lists.example.org", false},
		{"missing domain", "alice@", "", true},
		{"missing at", "alice", "", true},
		{"bad domain", "alice@example", "", true},
		{"empty", "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList(`"Dev List" <Dev@Lists.Example.org>, carol@example.com`)
	assert.Equal(t, []string{"dev@lists.example.org", "carol@example.com"}, got)
	assert.Nil(t, ParseAddressList("  "))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("3d")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)

	d, err = ParseDuration("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseDuration("")
	assert.Error(t, err)
	_, err = ParseDuration("-1d")
	assert.Error(t, err)
}

func TestStripSubjectPrefix(t *testing.T) {
	assert.Equal(t, "Hello", StripSubjectPrefix("[dev] Hello", "[dev]"))
	assert.Equal(t, "Hello", StripSubjectPrefix("Re: [DEV] Hello", "[dev]"))
	assert.Equal(t, "", StripSubjectPrefix("Re: [dev]", "[dev]"))
	assert.Equal(t, "Topic", StripSubjectPrefix("Fwd: Re[2]: Topic", ""))
}

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("hello"))
	b := HashContent([]byte("hello"))
	c := HashContent([]byte("hello!"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestExtractPlaintext(t *testing.T) {
	t.Run("multipart prefers plain", func(t *testing.T) {
		raw := "Content-Type: multipart/alternative; boundary=b\r\n\r\n" +
			"--b\r\nContent-Type: text/plain\r\n\r\nplain body\r\n" +
			"--b\r\nContent-Type: text/html\r\n\r\n<p>html body</p>\r\n" +
			"--b--\r\n"
		entity, err := message.Read(strings.NewReader(raw))
		require.NoError(t, err)
		text, err := ExtractPlaintext(entity)
		require.NoError(t, err)
		assert.Contains(t, text, "plain body")
		assert.NotContains(t, text, "html body")
	})

	t.Run("html only is converted", func(t *testing.T) {
		raw := "Content-Type: text/html\r\n\r\n<p>subscribe</p>"
		entity, err := message.Read(strings.NewReader(raw))
		require.NoError(t, err)
		text, err := ExtractPlaintext(entity)
		require.NoError(t, err)
		assert.Contains(t, text, "subscribe")
		assert.NotContains(t, text, "<p>")
	})

	t.Run("nil entity", func(t *testing.T) {
		_, err := ExtractPlaintext(nil)
		assert.Error(t, err)
	})
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "abc", SanitizeUTF8("a\x00bc"))
	assert.Equal(t, "ok", SanitizeUTF8("o\xffk"))
	assert.Equal(t, "héllo", SanitizeUTF8("héllo"))
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"anne@example.com", "Anne@Example.com", true},
		{"anne@example.com", "anne@example.org", false},
		{"*@example.com", "bart@example.com", true},
		{"*@example.com", "bart@example.com.evil", false},
		{"a*e@*", "anne@example.com", true},
		{"*", "anything", true},
		{"*nn*", "anne@example.com", true},
		{"b*", "anne@example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchWildcard(tt.pattern, tt.value), "%s vs %s", tt.pattern, tt.value)
	}
}

func TestWildcardToLike(t *testing.T) {
	assert.Equal(t, `%@example.com`, WildcardToLike("*@Example.com"))
	assert.Equal(t, `a\_b\%c%`, WildcardToLike("a_b%c*"))
}
