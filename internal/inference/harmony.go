package inference

// The harmony template is a wire format contract with the model. The
// control sequences and the system preamble, including its fixed
// current-date line, must be reproduced byte for byte.
const (
	harmonySystemPreamble = "You are ChatGPT, a large language model trained by OpenAI.\n" +
		"Knowledge cutoff: 2024-06\n" +
		"Current date: 2025-06-28\n\n" +
		"Reasoning: low\n\n" +
		"# Valid channels: analysis, commentary, final. Channel must be included for every message."

	harmonyDeveloperMessage = "# Instructions\n\nYou are a helpful assistant. Respond concisely."
)

// WrapHarmony wraps a raw prompt in the harmony control token
// template, leaving the assistant turn open on the final channel.
func WrapHarmony(prompt string) string {
	return "<|start|>system<|message|>" + harmonySystemPreamble + "<|end|>" +
		"<|start|>developer<|message|>" + harmonyDeveloperMessage + "<|end|>" +
		"<|start|>user<|message|>" + prompt + "<|end|>" +
		"<|start|>assistant<|channel|>final<|message|>"
}
