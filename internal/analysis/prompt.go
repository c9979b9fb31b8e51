package analysis

import "fmt"

const systemRU = "Ты эксперт по анализу публичных выступлений. Твои ответы всегда в формате JSON."

const systemEN = "You are an expert public speaking coach. You always answer in JSON."

const promptRU = `Проанализируй транскрипцию речи и дай обратную связь.

Транскрипция:
"""
%s
"""

Критерии:
1. clarity_score (0-100): насколько ясно изложены мысли
2. filler_words: слова-паразиты с количеством (эм, ну, вот, типа, как бы, короче)
3. tone: общий тон (confident, nervous, professional, casual, enthusiastic)
4. confidence (0-100): уверенность говорящего
5. highlights: 3-5 замечаний о сильных и слабых сторонах
6. text: развернутый отзыв на русском языке, 3-5 предложений

Верни строго JSON:
{"clarity_score": 75, "filler_words": "эм (3), ну (2)", "tone": "confident", "confidence": 80, "highlights": ["..."], "text": "..."}`

const promptEN = `Analyze the following speech transcript and give feedback.

Transcript:
"""
%s
"""

Criteria:
1. clarity_score (0-100): how clearly ideas are expressed
2. filler_words: filler words with counts (um, uh, like, you know, basically)
3. tone: overall tone (confident, nervous, professional, casual, enthusiastic)
4. confidence (0-100): how confident the speaker sounds
5. highlights: 3-5 remarks on strengths and weaknesses
6. text: detailed feedback, 3-5 sentences

Answer strictly with JSON:
{"clarity_score": 75, "filler_words": "um (3), like (2)", "tone": "confident", "confidence": 80, "highlights": ["..."], "text": "..."}`

// Prompt returns the system and user messages for a transcript.
func Prompt(language, transcript string) (system, user string) {
	if language == "ru" {
		return systemRU, fmt.Sprintf(promptRU, transcript)
	}
	return systemEN, fmt.Sprintf(promptEN, transcript)
}
