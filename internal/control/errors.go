package control

import "errors"

// User-facing rejection messages for invalid state transitions. The product
// surface is French; these strings go straight to the UI, so they name the
// exact precondition that failed instead of a generic "invalid state".
var (
	ErrCampaignNotFound    = errors.New("campagne introuvable")
	ErrEnrollmentNotFound  = errors.New("prospect introuvable dans cette campagne")
	ErrAlreadyPaused       = errors.New("impossible de mettre en pause : la campagne est déjà en pause")
	ErrNotRunning          = errors.New("impossible de mettre en pause : la campagne n'est pas en cours")
	ErrNotPaused           = errors.New("impossible de reprendre : la campagne n'est pas en pause")
	ErrMissingPausedAt     = errors.New("impossible de reprendre : date de mise en pause manquante")
	ErrAlreadyStopped      = errors.New("impossible d'arrêter : la campagne est déjà arrêtée ou terminée")
	ErrUnknownAction       = errors.New("action inconnue : utilisez pause, resume ou stop")
	ErrRiskNotAcknowledged = errors.New("cette campagne a été mise en pause automatiquement : la reprise nécessite la confirmation des risques")

	ErrProspectAlreadyPaused = errors.New("impossible de mettre en pause : ce prospect est déjà en pause")
	ErrProspectNotEnrolled   = errors.New("impossible de mettre en pause : ce prospect n'est pas inscrit")
	ErrProspectNotPaused     = errors.New("impossible de reprendre : ce prospect n'est pas en pause")
	ErrProspectTerminal      = errors.New("impossible d'arrêter : ce prospect a déjà quitté la campagne")
)
