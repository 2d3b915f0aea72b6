package text

const (
	// Delimiter marks a code fence line emitted by the model. Lines holding it
	// are written while streaming and removed once the stream ends.
	Delimiter = "```"

	// Newline separates sub-lines inside a fragment. A trailing carriage
	// return left by CRLF streams is stripped from each sub-line.
	Newline = "\n"
)
