package generic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commute-rewards/generic"
)

func TestNormalizeAddress(t *testing.T) {
	want := generic.Address("0x52908400098527886e0f7030069857d2e4169ee7")

	for _, in := range []string{
		"0x52908400098527886E0F7030069857D2E4169EE7",
		"0x52908400098527886e0f7030069857d2e4169ee7",
		"  0x52908400098527886E0F7030069857D2E4169EE7 ",
		"52908400098527886E0F7030069857D2E4169EE7",
		"0X52908400098527886E0F7030069857D2E4169EE7",
	} {
		got, err := generic.NormalizeAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "0x123", "not-an-address", "0xZZ908400098527886E0F7030069857D2E4169EE7"} {
		_, err := generic.NormalizeAddress(in)
		assert.ErrorIs(t, err, generic.ErrInvalidInput, in)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]generic.Mode{
		"Walking":          generic.ModeWalking,
		"walking":          generic.ModeWalking,
		"Cycling":          generic.ModeCycling,
		"bike":             generic.ModeCycling,
		"PublicTransport":  generic.ModePublicTransport,
		"public_transport": generic.ModePublicTransport,
		"Public Transport": generic.ModePublicTransport,
		"Teleport":         generic.Mode("Teleport"),
	}
	for in, want := range cases {
		assert.Equal(t, want, generic.ParseMode(in), in)
	}
}

func TestErrors_Taxonomy(t *testing.T) {
	unknown := &generic.UnknownModeError{Mode: "hover"}
	assert.ErrorIs(t, unknown, generic.ErrUnknownMode)
	assert.ErrorIs(t, unknown, generic.ErrInvalidInput)
	assert.True(t, generic.IsClientError(unknown))

	cause := errors.New("user rejected")
	mint := fmt.Errorf("submit: %w", &generic.MintFailedError{Address: "0xabc", Tokens: 10, Cause: cause})
	assert.ErrorIs(t, mint, generic.ErrMintFailed)
	assert.ErrorIs(t, mint, cause)
	assert.True(t, generic.IsRetryable(mint))

	pending := &generic.MintFailedError{Tokens: 10, TxHash: "0xfeed", Pending: true, Cause: cause}
	assert.False(t, generic.IsRetryable(pending), "a broadcast mint must not be retried")

	persist := &generic.PersistFailedError{Receipt: generic.MintReceipt{TxHash: "0x1", Amount: 5}, Cause: errors.New("disk full")}
	assert.ErrorIs(t, persist, generic.ErrPersistFailed)
	assert.False(t, generic.IsRetryable(persist))

	assert.True(t, generic.IsNotFound(fmt.Errorf("lookup: %w", generic.ErrRewardNotFound)))
}
