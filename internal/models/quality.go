package models

import (
	"time"

	"meshrelay/internal/constants"
)

type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityCritical  QualityLevel = "critical"
)

// ConnectionQuality is a live sample of link quality for one connected
// device. Not persisted; rebuilt from pings after a restart.
type ConnectionQuality struct {
	DeviceID    string        `json:"deviceId"`
	RTT         time.Duration `json:"rtt"`
	PacketLoss  float64       `json:"packetLoss"`
	Level       QualityLevel  `json:"level"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// ClassifyQuality maps an RTT and loss percentage onto a quality level using
// fixed thresholds. The worse of the two dimensions wins.
func ClassifyQuality(rtt time.Duration, lossPercent float64) QualityLevel {
	rttLevel := QualityCritical
	switch {
	case rtt < constants.ExcellentRTTMs*time.Millisecond:
		rttLevel = QualityExcellent
	case rtt < constants.GoodRTTMs*time.Millisecond:
		rttLevel = QualityGood
	case rtt < constants.FairRTTMs*time.Millisecond:
		rttLevel = QualityFair
	case rtt < constants.PoorRTTMs*time.Millisecond:
		rttLevel = QualityPoor
	}

	lossLevel := QualityCritical
	switch {
	case lossPercent <= 0:
		lossLevel = QualityExcellent
	case lossPercent < constants.GoodLossPercent:
		lossLevel = QualityGood
	case lossPercent < constants.FairLossPercent:
		lossLevel = QualityFair
	case lossPercent < constants.PoorLossPercent:
		lossLevel = QualityPoor
	}

	if qualityRank(lossLevel) > qualityRank(rttLevel) {
		return lossLevel
	}
	return rttLevel
}

func qualityRank(l QualityLevel) int {
	switch l {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	default:
		return 4
	}
}

// IsHealthy reports whether the link is good enough to gate auto-reconnection.
func (q *ConnectionQuality) IsHealthy() bool {
	return qualityRank(q.Level) <= qualityRank(QualityFair)
}

// QualityScore maps a quality level onto a 0..1 scale for device ranking.
func QualityScore(l QualityLevel) float64 {
	return float64(4-qualityRank(l)) / 4.0
}
