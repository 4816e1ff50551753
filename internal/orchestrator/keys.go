package orchestrator

// Locale keys the orchestrator renders. All of them must exist in the
// default bundle.
const (
	keyLanguageName    = "language_name"
	keyLanguageOption  = "language_option"
	keyLanguagePrompt  = "language_prompt"
	keyFormOption      = "form_option"
	keyFormPrompt      = "form_prompt"
	keyInvalidChoice   = "invalid_choice"
	keyRetryPrompt     = "retry_prompt"
	keyTooManyAttempts = "too_many_attempts"
	keyCancelled       = "cancelled"
	keyReviewLine      = "review_line"
	keyReviewSummary   = "review_summary"
	keyReviewPrompt    = "review_prompt"
	keyCompleted       = "completed"
	keyRestarted       = "restarted"
	keySessionExpired  = "session_expired"

	keyCancelWords  = "keyword_cancel"
	keyConfirmWords = "keyword_confirm"
	keyRestartWords = "keyword_restart"
	keyBackWords    = "keyword_back"
	keySkipWords    = "keyword_skip"
)

// Keys returns the static locale keys used by the orchestrator.
func Keys() []string {
	return []string{
		keyLanguageName, keyLanguageOption, keyLanguagePrompt,
		keyFormOption, keyFormPrompt, keyInvalidChoice, keyRetryPrompt,
		keyTooManyAttempts, keyCancelled,
		keyReviewLine, keyReviewSummary, keyReviewPrompt,
		keyCompleted, keyRestarted, keySessionExpired,
		keyCancelWords, keyConfirmWords, keyRestartWords, keyBackWords, keySkipWords,
	}
}
