package ledger

import "kodu/pkg/model"

// /ledger 接口的请求 / 回复体，Master 端 handler 和 Remote 共用

type StudyIDResponse struct {
	ID int64 `json:"id"`
}

type StudyNameResponse struct {
	Name string `json:"name"`
}

type DirectionsResponse struct {
	Directions []model.Direction `json:"directions"`
}

type CreateTrialResponse struct {
	TrialID int64 `json:"trialId"`
}

type TrialsResponse struct {
	Trials []model.Trial `json:"trials"`
}

type SetParamRequest struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Distribution string  `json:"distribution"`
}

type SetStateRequest struct {
	State  model.TrialState `json:"state"`
	Values []float64        `json:"values"`
}

type SetStateResponse struct {
	Applied bool `json:"applied"`
}
