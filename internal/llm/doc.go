// Package llm abstracts the text-generation service each agent consults to
// produce its analysis. Provider adapters live in sub-packages.
package llm
