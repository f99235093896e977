package igor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyLoginPass(t *testing.T) {
	result := smartVerify(
		"user should be logged in",
		"Welcome back, Ada! Dashboard · My Account · Logout",
		"https://example.com/home", "log in as ada")

	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Positives)
}

func TestVerifyLoginFail(t *testing.T) {
	result := smartVerify(
		"user should be logged in",
		"Invalid credentials. Please try again. Forgot password?",
		"https://example.com/login", "")

	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Negatives)
}

func TestVerifyPositivesDominating(t *testing.T) {
	// Three positives against one negative: positives dominate
	result := smartVerify(
		"post should be created",
		"Success! Your post was published and saved. (1 validation error ignored)",
		"https://example.com/posts/1", "")

	assert.True(t, result.Passed)
}

func TestVerifyShouldNot(t *testing.T) {
	result := smartVerify(
		"page should not contain admin panel",
		"Admin Panel — user management", "https://example.com/admin", "")
	assert.False(t, result.Passed)

	result = smartVerify(
		"page should not contain admin panel",
		"Your profile page", "https://example.com/profile", "")
	assert.True(t, result.Passed)
}

func TestVerifyNoClearIndicators(t *testing.T) {
	result := smartVerify("order should be approved", "lorem ipsum dolor", "https://example.com", "")

	assert.False(t, result.Passed)
	assert.Equal(t, "no clear indicators", result.Reason)
}

func TestVerifyGenericErrorPage(t *testing.T) {
	result := smartVerify(
		"checkout should be submitted",
		"500 server error — something went wrong",
		"https://example.com/checkout", "")

	assert.False(t, result.Passed)
}
