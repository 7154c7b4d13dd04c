package scheduler

import "kodu/pkg/model"

// filterStudies 遍历 Study，返回满足硬性条件的候选者
func (s *Scheduler) filterStudies(studies []model.Study) []model.Study {
	candidates := make([]model.Study, 0, len(studies))

	for _, st := range studies {
		if s.checkStudy(st) {
			candidates = append(candidates, st)
		}
	}
	return candidates
}

// checkStudy 只有 running 的 Study 可以被领取，created / paused 都跳过
func (s *Scheduler) checkStudy(st model.Study) bool {
	return st.State == model.StudyRunning
}
