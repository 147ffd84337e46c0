package normalize

import "strings"

// KeywordClassifier is the baseline Classifier: a keyword scorer over the
// title and notes. It exists so --use-ml has a working default signal
// without an external model; a trained model plugs into the same contract.
type KeywordClassifier struct{}

var gpuKeywords = []string{
	"gpu", "graphics card", "video card", "nvidia", "geforce", "quadro",
	"rtx", "gtx", "tesla", "vram", "cuda", "nvlink", "pcie",
}

var nonGPUKeywords = []string{
	"cpu", "processor", "motherboard", "ram kit", "ssd", "power supply",
	"psu", "case fan", "bracket only", "box only", "cable",
}

// PredictIsGPU scores keyword hits: positive matches raise the score,
// negative matches lower it. Score is the fraction of positive evidence.
func (KeywordClassifier) PredictIsGPU(title, notes string) (bool, float64) {
	text := strings.ToLower(title + " " + notes)

	pos, neg := 0, 0
	for _, kw := range gpuKeywords {
		if strings.Contains(text, kw) {
			pos++
		}
	}
	for _, kw := range nonGPUKeywords {
		if strings.Contains(text, kw) {
			neg++
		}
	}

	if pos+neg == 0 {
		return false, 0.5
	}
	score := float64(pos) / float64(pos+neg)
	return score > 0.5, score
}
