package voice

var builtinVoices = []Voice{
	{ID: "Joanna", DisplayName: "Joanna", Gender: Female, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Matthew", DisplayName: "Matthew", Gender: Male, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Ivy", DisplayName: "Ivy", Gender: Female, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Justin", DisplayName: "Justin", Gender: Male, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Kendra", DisplayName: "Kendra", Gender: Female, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Joey", DisplayName: "Joey", Gender: Male, LanguageLabel: "English (US)", LanguageCode: "en-US"},
	{ID: "Amy", DisplayName: "Amy", Gender: Female, LanguageLabel: "English (British)", LanguageCode: "en-GB"},
	{ID: "Brian", DisplayName: "Brian", Gender: Male, LanguageLabel: "English (British)", LanguageCode: "en-GB"},
	{ID: "Emma", DisplayName: "Emma", Gender: Female, LanguageLabel: "English (British)", LanguageCode: "en-GB"},
	{ID: "Olivia", DisplayName: "Olivia", Gender: Female, LanguageLabel: "English (Australian)", LanguageCode: "en-AU"},
	{ID: "Lupe", DisplayName: "Lupe", Gender: Female, LanguageLabel: "Spanish (US)", LanguageCode: "es-US"},
	{ID: "Pedro", DisplayName: "Pedro", Gender: Male, LanguageLabel: "Spanish (US)", LanguageCode: "es-US"},
	{ID: "Lucia", DisplayName: "Lucia", Gender: Female, LanguageLabel: "Spanish (European)", LanguageCode: "es-ES"},
	{ID: "Sergio", DisplayName: "Sergio", Gender: Male, LanguageLabel: "Spanish (European)", LanguageCode: "es-ES"},
	{ID: "Lea", DisplayName: "Léa", Gender: Female, LanguageLabel: "French", LanguageCode: "fr-FR"},
	{ID: "Remi", DisplayName: "Rémi", Gender: Male, LanguageLabel: "French", LanguageCode: "fr-FR"},
	{ID: "Vicki", DisplayName: "Vicki", Gender: Female, LanguageLabel: "German", LanguageCode: "de-DE"},
	{ID: "Daniel", DisplayName: "Daniel", Gender: Male, LanguageLabel: "German", LanguageCode: "de-DE"},
	{ID: "Bianca", DisplayName: "Bianca", Gender: Female, LanguageLabel: "Italian", LanguageCode: "it-IT"},
	{ID: "Adriano", DisplayName: "Adriano", Gender: Male, LanguageLabel: "Italian", LanguageCode: "it-IT"},
	{ID: "Camila", DisplayName: "Camila", Gender: Female, LanguageLabel: "Portuguese (Brazilian)", LanguageCode: "pt-BR"},
	{ID: "Thiago", DisplayName: "Thiago", Gender: Male, LanguageLabel: "Portuguese (Brazilian)", LanguageCode: "pt-BR"},
	{ID: "Ines", DisplayName: "Inês", Gender: Female, LanguageLabel: "Portuguese (European)", LanguageCode: "pt-PT"},
	{ID: "Takumi", DisplayName: "Takumi", Gender: Male, LanguageLabel: "Japanese", LanguageCode: "ja-JP"},
	{ID: "Kazuha", DisplayName: "Kazuha", Gender: Female, LanguageLabel: "Japanese", LanguageCode: "ja-JP"},
	{ID: "Seoyeon", DisplayName: "Seoyeon", Gender: Female, LanguageLabel: "Korean", LanguageCode: "ko-KR"},
	{ID: "Zhiyu", DisplayName: "Zhiyu", Gender: Female, LanguageLabel: "Chinese (Mandarin)", LanguageCode: "cmn-CN"},
}

// Builtin returns a copy of the static voice list used when no remote
// catalog is available.
func Builtin() []Voice {
	out := make([]Voice, len(builtinVoices))
	copy(out, builtinVoices)
	return out
}
