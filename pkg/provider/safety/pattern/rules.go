package pattern

import "github.com/MrWong99/carecall/pkg/provider/safety"

// DefaultRules returns the built-in rule set, ordered by severity.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: safety.CategoryEmergencyMedical,
			Level:    safety.LevelEmergency,
			Action:   "call 911: possible medical emergency",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(chest pains?|heart attack|can'?t breathe|cannot breathe|difficulty breathing|stroke)\b`,
				`\b(severe bleeding|bleeding heavily|uncontrollable bleeding)\b`,
				`\b(fell and can'?t get up|broken bone|severe pain)\b`,
				`\b(face (is )?drooping|arm weakness|speech (is )?slurred)\b`,
				`\b(unconscious|passed out|blacked out)\b`,
				`\b(choking|can'?t swallow|throat (is )?closing)\b`,
			},
		},
		{
			Category: safety.CategorySuicideRisk,
			Level:    safety.LevelEmergency,
			Action:   "mental health crisis: connect with 988 lifeline",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(want to die|wish i was dead|wish i were dead|kill myself|end my life|suicide)\b`,
				`\b(better off dead|no reason to live|life isn'?t worth living)\b`,
				`\b(hurt myself|harm myself|cut myself)\b`,
				`\b(made a plan to|wrote a note)\b`,
			},
		},
		{
			Category: safety.CategoryAbusePhysical,
			Level:    safety.LevelUrgent,
			Action:   "possible physical abuse: contact adult protective services",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(hit me|hits me|beat me|beats me|pushed me|shoved me)\b`,
				`\b(slapped|punched|kicked) me\b`,
				`\b(hurt me physically|injured me|physically abusive)\b`,
				`\b(afraid|scared|terrified) of\b.*\b(him|her|them|caregiver)\b`,
			},
		},
		{
			Category: safety.CategoryAbuseEmotional,
			Level:    safety.LevelUrgent,
			Action:   "possible emotional abuse: contact adult protective services",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(screams at me|yells at me|calls me names|insults me)\b`,
				`\b(threatens me|intimidates me|humiliates me)\b`,
				`\b(makes me feel worthless|tells me i'?m useless)\b`,
				`\b(isolates me|won'?t let me see)\b`,
			},
		},
		{
			Category: safety.CategoryAbuseFinancial,
			Level:    safety.LevelUrgent,
			Action:   "possible financial exploitation: contact adult protective services",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(taking my money|stole from me|forged my signature)\b`,
				`\b(won'?t give me my money|controls all my money)\b`,
				`\b(forced me to sign|tricked me into signing)\b`,
				`\b(emptied my account|unauthorized charges)\b`,
			},
		},
		{
			Category: safety.CategoryNeglect,
			Level:    safety.LevelUrgent,
			Action:   "possible neglect: contact adult protective services",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(no food|nothing to eat|haven'?t eaten|starving)\b`,
				`\b(no medication|can'?t get (my )?medication|out of medication)\b`,
				`\b(no clean clothes|unsanitary)\b`,
				`\b(alone all day|no one checks on me|abandoned me)\b`,
			},
		},
		{
			Category: safety.CategoryMedication,
			Level:    safety.LevelWarning,
			Action:   "medication concern: contact healthcare provider",
			Roles:    []safety.Role{safety.RoleCaller},
			Patterns: []string{
				`\b(took too many|double dose|wrong medication)\b`,
				`\b(ran out of|no refills)\b`,
				`\b(bad reaction|side effects|allergic reaction)\b`,
				`\b(took (it|them) with alcohol)\b`,
			},
		},
		{
			Category: safety.CategoryHarmfulAdvice,
			Level:    safety.LevelUrgent,
			Action:   "assistant reply contained harmful advice: review",
			Roles:    []safety.Role{safety.RoleAssistant},
			Patterns: []string{
				`\b(stop taking|don'?t take|skip)\b.*\b(medications?|medicines?|pills)\b`,
				`\byou should (hurt|harm)\b`,
				`\bkeep (this|it|that) (a )?(secret|between us)\b`,
				`\b(don'?t tell|don'?t mention)\b.*\b(doctor|family|caregiver)\b`,
				`\b(you'?re|they'?re) (overreacting|imagining (it|things)|being dramatic)\b`,
				`\bignore (the pain|symptoms|your symptoms|the doctor|your doctor)\b`,
				`\b(invest|donate)\b.*\b(money|funds|savings)\b`,
			},
		},
		{
			Category: safety.CategoryHarmfulAdvice,
			Level:    safety.LevelUrgent,
			Action:   "assistant reply recommended medication: review",
			Roles:    []safety.Role{safety.RoleAssistant},
			Patterns: []string{`\b(try|take|use)\b.*\b(this medication|these pills)\b`},
			Unless:   `\bdoctor\b`,
		},
	}
}
