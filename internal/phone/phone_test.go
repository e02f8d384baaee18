package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{name: "e164 passthrough", raw: "+5511999990000", region: "BR", want: "+5511999990000"},
		{name: "formatted brazilian mobile", raw: "(11) 99999-0000", region: "BR", want: "+5511999990000"},
		{name: "bare digits with country code", raw: "5511999990000", region: "BR", want: "+5511999990000"},
		{name: "us number", raw: "+1 (202) 456-1111", region: "US", want: "+12024561111"},
		{name: "empty", raw: "  ", region: "BR", wantErr: true},
		{name: "letters", raw: "not-a-number", region: "BR", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, tt.region)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGatewayNumber(t *testing.T) {
	got, err := GatewayNumber("+55 11 99999-0000", "BR")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", got)
}

func TestFromJID(t *testing.T) {
	got, err := FromJID("5511999990000@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "+5511999990000", got)

	got, err = FromJID("5511999990000:7@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "+5511999990000", got)

	_, err = FromJID("120363025246125486@g.us")
	assert.ErrorIs(t, err, ErrInvalid)

	assert.Equal(t, "5511999990000@s.whatsapp.net", ToJID("+5511999990000"))
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{"+5511999990000", "+551199990000"}, Variants("+5511999990000"))
	assert.Equal(t, []string{"+551199990000", "+5511999990000"}, Variants("+551199990000"))
	assert.Equal(t, []string{"+12024561111"}, Variants("+12024561111"))
	// landlines keep a single form
	assert.Equal(t, []string{"+551133334444"}, Variants("+551133334444"))
}
