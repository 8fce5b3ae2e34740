package blocks

// Listing markup.
const (
	ContainerSelector  = ".beatmapsets__items"
	RowItemSelector    = ".beatmapsets__item"
	PopupGroupSelector = ".beatmaps-popup__group"

	popupItemSelector = ".beatmaps-popup-item"
	popupListSelector = ".beatmap-list-item"
	panelInfoSelector = ".beatmapset-panel__info"
	statsRowSelector  = ".beatmapset-panel__info-row--stats"
	menuSelector      = ".beatmapset-panel__menu"
)

// Mounted markup.
const (
	infoBlockClass     = "more-beatmap-info-block"
	infoClass          = "more-beatmap-info"
	ppBlockClass       = "pp-block"
	ppButtonClass      = "beatmap-pp-btn"
	ppDataClass        = "beatmap-pp-data"
	menuButtonClass    = "more-diff-info-btn"
	deepInfoBtnClass   = "deep-info-btn"
	updateInfoBtnClass = "update-beatmap-info-btn"
	failedClass        = "failed-beatmap-info"
	retryBtnClass      = "retry-get-info-btn"
	tooltipClass       = "deep-beatmap-params-tooltip"
	changeDiffBtnClass = "change-diff-info-button"
)

// Attribute names are lower case; the HTML parser folds them.
const (
	AttrMapsetID  = "mapsetid"
	AttrBeatmapID = "beatmapid"
	attrTooltipID = "data-beatmapid"
)

const clickEvent = "click"
