package oracle

// QuestionResult is the question-detection judgment for a single message.
type QuestionResult struct {
	IsQuestion   bool    `json:"is_question"`
	Confidence   float64 `json:"confidence"`
	QuestionType string  `json:"question_type"`
}

// AnswerResult is the answer-detection judgment for a candidate message
// against one open question.
type AnswerResult struct {
	IsAnswer      bool    `json:"is_answer"`
	Confidence    float64 `json:"confidence"`
	AnswerQuality string  `json:"answer_quality"`
}

// SimilarResult identifies which existing question, if any, a new question
// duplicates.
type SimilarResult struct {
	IsSimilar       bool    `json:"is_similar"`
	SimilarityScore float64 `json:"similarity_score"`
	QuestionID      int64   `json:"question_id"`
}

// GeneralizeResult is a single statement covering two related questions.
type GeneralizeResult struct {
	GeneralizedText string `json:"generalized_text"`
	CoversBoth      bool   `json:"covers_both"`
}

// Candidate is one existing question offered to FindSimilar.
type Candidate struct {
	ID   int64
	Text string
}
