package web

// SampleQuestions is the fixed list offered as one-click questions.
var SampleQuestions = []string{
	"What is the highest average salary by department?",
	"How many employees earn more than $100,000?",
	"Which department has the most employees?",
	"What is the salary distribution across different job titles?",
	"Show me the top 10 highest paid employees",
	"What is the median salary in the company?",
	"Which job title has the lowest average salary?",
	"How many different departments are there in the dataset?",
}

var troubleshootingTips = []string{
	"Check if your CSV file exists at `%s`",
	"Verify your Groq API key is valid and has sufficient credits",
	"Try rephrasing your question to be more specific",
	"Check if the question is related to the salary database",
}

type modelOption struct {
	Name string
	Note string
}

var availableModels = []modelOption{
	{Name: "llama3-70b-8192", Note: "Best performance"},
	{Name: "llama3-8b-8192", Note: "Faster"},
	{Name: "mixtral-8x7b-32768", Note: "Large context"},
}

type poweredBy struct {
	Name string
	URL  string
	Note string
}

var poweredByLinks = []poweredBy{
	{Name: "Groq API", URL: "https://groq.com", Note: "Ultra-fast inference"},
	{Name: "DuckDB", URL: "https://duckdb.org", Note: "Embedded analytics database"},
	{Name: "Go", URL: "https://go.dev", Note: "Server and agent loop"},
}

const (
	msgEnterQuestion   = "Please enter a question first!"
	msgNeedCredential  = "Please provide your Groq API key in the sidebar to continue."
	msgCredentialHint  = "You can get a free API key from console.groq.com"
	msgCredentialSaved = "API Key set successfully!"
	msgCredentialSet   = "An API key is already configured for this server."
	msgCredentialEmpty = "Please enter an API key."
	msgBusy            = "A query is already being processed. Please wait for it to finish."
	msgUnknownSample   = "Unknown sample question."
)
