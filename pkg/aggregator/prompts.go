package aggregator

// Deployment-controlled prompt strings. The summary prompt compresses long
// segments before extraction; the redaction prompt masks sensitive values
// when redaction is enabled.

const summarySystemPrompt = `You summarize conversations. Keep every important fact (preferences, personal details, work information), with their times, places, people, and events, in chronological order. Drop greetings, repetition, and filler. Return only the summary.`

const redactSystemPrompt = `You identify sensitive values in text and replace each with [REDACTED]: bank card numbers, passwords, national ID numbers, social security numbers, passport numbers, driver's license numbers. Do NOT redact names, addresses, phone numbers, or email addresses.

Return strictly this JSON, nothing else:
{"filtered_content": "..."}`
