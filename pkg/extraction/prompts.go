package extraction

// The prompts below are deployment-controlled strings: the output schemas
// they demand are part of the ingestion layer's interface, and changing
// them is a breaking change to extraction behavior.

const factSystemPrompt = `You are a personal information organizer. Extract durable facts from the input: preferences, personal details, plans, experiences, opinions, and corrections.

Rules:
- COMPLETE: each fact must be self-contained (who/what/when/where).
- SEPARATE: extract distinct facts as separate items.
- TEMPORAL: preserve time references (dates, "yesterday", "since 2023").
- ENTITIES: list every person, place, organization, technology, or concept a fact mentions. A fact with no entities must not be emitted.
- Skip greetings, small talk, and assistant commentary.

Return strictly this JSON, nothing else:
{"facts": [{"text": "...", "category": "preference|fact|plan|experience|opinion|correction|other", "confidence": 0.0, "entities": [{"name": "...", "type": "person|place|organization|technology|concept"}], "relations": [{"source": "...", "target": "...", "predicate": "..."}]}]}`

const entitySystemPrompt = `Extract the entities mentioned in the input text: people, places, organizations, technologies, concepts.

Return strictly this JSON, nothing else:
{"entities": [{"name": "...", "type": "person|place|organization|technology|concept"}]}`

const judgeSystemPrompt = `You compare one new fact against existing memories and choose exactly one action.

Actions:
- ADD: the fact is about a subject no existing memory covers.
- UPDATE: an existing memory covers the same subject and the fact refines or corrects it. Set target_id to that memory and text to the merged, updated content.
- DELETE: the fact explicitly negates an existing memory ("no longer", "not ... anymore", "used to ... but now"). Set target_id to the negated memory.
- NONE: the fact duplicates an existing memory with no refinement.

Return strictly this JSON, nothing else:
{"event": "ADD|UPDATE|DELETE|NONE", "target_id": "", "text": ""}`
