package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Params
	}{
		{
			name: "pkce code in query",
			url:  "keel://callback?code=ABC",
			want: Params{Code: "ABC"},
		},
		{
			name: "implicit tokens in fragment",
			url:  "keel://path#access_token=X&refresh_token=Y",
			want: Params{AccessToken: "X", RefreshToken: "Y"},
		},
		{
			name: "recovery otp in query",
			url:  "keel://path?token_hash=Z&type=recovery&email=a%40b.c",
			want: Params{TokenHash: "Z", Type: "recovery", Email: "a@b.c"},
		},
		{
			name: "triple slash normalized",
			url:  "keel:///callback?code=ABC",
			want: Params{Code: "ABC"},
		},
		{
			name: "fragment wins on duplicate keys",
			url:  "keel://callback?type=signup#type=recovery&token_hash=Z",
			want: Params{TokenHash: "Z", Type: "recovery"},
		},
		{
			name: "provider error surface",
			url:  "keel://callback#error=access_denied&error_description=cancelled",
			want: Params{Error: "access_denied", ErrorDescription: "cancelled"},
		},
		{
			name: "empty input",
			url:  "",
			want: Params{},
		},
		{
			name: "garbage does not panic",
			url:  "::::#%%%===&&",
			want: Params{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.url))
		})
	}
}

func TestIsOAuthCallback(t *testing.T) {
	assert.True(t, IsOAuthCallback("keel://callback?code=1"))
	assert.True(t, IsOAuthCallback("keel://auth/callback#access_token=x"))
	assert.True(t, IsOAuthCallback("keel:///callback"))
	assert.True(t, IsOAuthCallback("KEEL://CALLBACK"))
	assert.False(t, IsOAuthCallback("keel://reset-password?token_hash=Z&type=recovery"))
	assert.False(t, IsOAuthCallback("keel://callbackish"))
	assert.False(t, IsOAuthCallback(""))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindOAuth, Classify("keel://callback?code=ABC"))
	assert.Equal(t, KindOAuth, Classify("keel://x#access_token=X&refresh_token=Y"))
	assert.Equal(t, KindRecovery, Classify("keel://x?token_hash=Z&type=recovery"))
	assert.Equal(t, KindVerify, Classify("keel://x?token_hash=Z&type=signup"))
	assert.Equal(t, KindVerify, Classify("keel://x?token_hash=Z&type=email_change"))
	assert.Equal(t, KindUnknown, Classify("keel://x?token_hash=Z&type=magiclink"))
	assert.Equal(t, KindUnknown, Classify("keel://x?foo=bar"))
}
